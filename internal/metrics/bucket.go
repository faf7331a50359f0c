package metrics

import "sort"

// Bucket accumulates raw duration samples between quantile refreshes. The
// refresh consumes the whole bucket: Percentiles reports the median and 99th
// percentile of everything pushed since the previous Reset.
type Bucket struct {
	samples []float64
}

// Push appends a sample.
func (b *Bucket) Push(v float64) {
	b.samples = append(b.samples, v)
}

// Len returns the number of pending samples.
func (b *Bucket) Len() int {
	return len(b.samples)
}

// Reset discards all pending samples but keeps the backing storage.
func (b *Bucket) Reset() {
	b.samples = b.samples[:0]
}

// Percentiles returns (median, p99) of the pending samples. With no samples
// both are 0; with one sample both equal it. For an even number of samples
// the median is the average of the two central order statistics.
func (b *Bucket) Percentiles() (median, p99 float64) {
	n := len(b.samples)
	switch n {
	case 0:
		return 0, 0
	case 1:
		return b.samples[0], b.samples[0]
	}

	tmp := make([]float64, n)
	copy(tmp, b.samples)
	sort.Float64s(tmp)

	if n%2 == 0 {
		median = (tmp[n/2-1] + tmp[n/2]) / 2
	} else {
		median = tmp[n/2]
	}

	i := int(float64(n) * 0.99)
	if i >= n {
		i = n - 1
	}
	return median, tmp[i]
}
