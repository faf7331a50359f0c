package metrics

import "math"

// Time constants, in seconds, of the four responsiveness averages kept per
// worker: 5s, 1m, 5m and 15m.
var ResponsivenessTaus = [4]float64{5, 60, 300, 900}

// EWMA is an exponentially-weighted moving average over irregularly spaced
// samples. Each observation is weighted by the time elapsed since the
// previous one, so a burst of quick iterations does not dominate the window.
type EWMA struct {
	tau   float64
	value float64
}

// NewEWMA creates an average with the given time constant in seconds.
func NewEWMA(tau float64) *EWMA {
	return &EWMA{tau: tau}
}

// Update folds the sample x observed over an interval of dt seconds into the
// average and returns the new value. A non-positive dt leaves the average
// unchanged.
func (e *EWMA) Update(dt, x float64) float64 {
	if dt <= 0 {
		return e.value
	}
	e.value += (1 - math.Exp(-dt/e.tau)) * (x - e.value)
	return e.value
}

// Value returns the current average.
func (e *EWMA) Value() float64 {
	return e.value
}

// Responsiveness tracks the four rolling responsiveness averages updated once
// per event-loop iteration.
type Responsiveness struct {
	avgs [4]EWMA
}

// NewResponsiveness creates the four averages with the standard time
// constants.
func NewResponsiveness() *Responsiveness {
	r := &Responsiveness{}
	for i, tau := range ResponsivenessTaus {
		r.avgs[i].tau = tau
	}
	return r
}

// Update folds a sample into all four averages. dt is the iteration duration
// in seconds.
func (r *Responsiveness) Update(dt, x float64) {
	for i := range r.avgs {
		r.avgs[i].Update(dt, x)
	}
}

// Values returns the current averages ordered 5s, 1m, 5m, 15m.
func (r *Responsiveness) Values() [4]float64 {
	return [4]float64{
		r.avgs[0].value,
		r.avgs[1].value,
		r.avgs[2].value,
		r.avgs[3].value,
	}
}
