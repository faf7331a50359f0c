package metrics

import "sort"

// GCRingSize is the number of recent garbage-collection durations kept per
// worker for percentile estimation.
const GCRingSize = 1000

// Ring is a fixed-capacity ring buffer of float64 samples. Once full, new
// samples overwrite the oldest ones.
type Ring struct {
	buf []float64
	idx int
	len int
}

// NewRing creates a ring buffer holding up to size samples.
func NewRing(size int) *Ring {
	return &Ring{buf: make([]float64, size)}
}

// Push appends a sample, evicting the oldest when the buffer is full.
func (r *Ring) Push(v float64) {
	r.buf[r.idx] = v
	r.idx = (r.idx + 1) % len(r.buf)
	if r.len < len(r.buf) {
		r.len++
	}
}

// Len returns the number of samples currently stored.
func (r *Ring) Len() int {
	return r.len
}

// Percentile returns the p-th order statistic of the stored samples, with p
// in [0, 1]. It returns 0 when p is out of range or no samples are stored.
func (r *Ring) Percentile(p float64) float64 {
	if p < 0 || p > 1 || r.len == 0 {
		return 0
	}
	tmp := make([]float64, r.len)
	copy(tmp, r.buf[:r.len])
	sort.Float64s(tmp)
	n := int(float64(r.len) * p)
	if n >= r.len {
		n = r.len - 1
	}
	return tmp[n]
}
