package daemon

import (
	"testing"
	"time"
)

func TestRateRecorderCountSince(t *testing.T) {
	tests := []struct {
		name   string
		ages   []time.Duration // oldest first
		window time.Duration
		want   int
	}{
		{
			name:   "empty",
			ages:   nil,
			window: time.Second * 10,
			want:   0,
		},
		{
			name:   "all within window",
			ages:   []time.Duration{time.Second * 3, time.Second * 2, time.Second},
			window: time.Second * 10,
			want:   3,
		},
		{
			name:   "older records fall out",
			ages:   []time.Duration{time.Second * 30, time.Second * 20, time.Second * 5, time.Second},
			window: time.Second * 10,
			want:   2,
		},
		{
			name:   "all too old",
			ages:   []time.Duration{time.Minute * 2, time.Minute},
			window: time.Second * 10,
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRateRecorder(16)
			now := time.Now()
			for _, age := range tt.ages {
				r.Add(now.Add(-age))
			}
			if got := r.CountSince(tt.window); got != tt.want {
				t.Errorf("CountSince(%v) = %d, want %d", tt.window, got, tt.want)
			}
		})
	}
}

func TestRateRecorderEviction(t *testing.T) {
	r := newRateRecorder(3)
	for i := 0; i < 5; i++ {
		r.Add(time.Now())
	}

	r.mu.Lock()
	n := len(r.times)
	r.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected recorder to keep 3 records, got %d", n)
	}
}

func TestRateRecorderClear(t *testing.T) {
	r := newRateRecorder(8)
	r.Add(time.Now())
	r.Add(time.Now())
	r.Clear()

	if got := r.CountSince(time.Minute); got != 0 {
		t.Fatalf("expected no records after clear, got %d", got)
	}
}

func TestRateRecorderRate(t *testing.T) {
	r := newRateRecorder(16)
	now := time.Now()
	for i := 0; i < 5; i++ {
		r.Add(now.Add(-time.Duration(i) * time.Second))
	}

	if got := r.Rate(time.Second * 10); got != 0.5 {
		t.Fatalf("Rate = %v, want 0.5", got)
	}
	if got := r.Rate(0); got != 0 {
		t.Fatalf("Rate with zero window = %v, want 0", got)
	}
}
