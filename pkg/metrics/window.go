package metrics

import (
	"math"
	"sort"
	"sync"
)

// Window is a fixed-capacity ring buffer of float64 samples. Once full, new
// samples overwrite the oldest.
type Window struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

// NewWindow creates a window holding up to size samples.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{samples: make([]float64, size)}
}

// Add appends a sample, evicting the oldest when full.
func (w *Window) Add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = v
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Len returns the number of live samples.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lenLocked()
}

func (w *Window) lenLocked() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

// Avg returns the mean of the live samples, 0 when empty.
func (w *Window) Avg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.lenLocked()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.samples[:n] {
		sum += v
	}
	return sum / float64(n)
}

// Percentile returns the p-th percentile (0–100) using the nearest-rank
// method, 0 when empty.
func (w *Window) Percentile(p float64) float64 {
	w.mu.Lock()
	n := w.lenLocked()
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Float64s(sorted)
	rank := int(math.Ceil(p/100*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return sorted[rank]
}

func floatBits(f float64) uint64   { return math.Float64bits(f) }
func bitsFloat(b uint64) float64   { return math.Float64frombits(b) }
