package daemon

import (
	"sync"
	"time"
)

// rateRecorder keeps the arrival times of the last N readings so status
// queries can report the observed reading rate.
type rateRecorder struct {
	max   int
	mu    sync.Mutex
	times []time.Time
}

func newRateRecorder(max int) *rateRecorder {
	return &rateRecorder{max: max}
}

// Add records one reading arrival.
func (r *rateRecorder) Add(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Round to strip monotonic clock reading.
	t = t.Round(0)

	if len(r.times) >= r.max {
		r.times = r.times[1:]
	}
	r.times = append(r.times, t)
}

// Clear drops all records. Called on connection state changes.
func (r *rateRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = nil
}

// CountSince returns how many readings arrived within the last window.
func (r *rateRecorder) CountSince(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	cutoff := time.Now().Add(-window)
	for i := len(r.times) - 1; i >= 0; i-- {
		if r.times[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Rate returns the reading rate over the last window in readings per
// second.
func (r *rateRecorder) Rate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(r.CountSince(window)) / window.Seconds()
}
