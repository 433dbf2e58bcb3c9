package session

import (
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// tickFunc is one scheduled invocation. Its error is reported by the tick
// itself (through the session's error surface) and swallowed at the ticker
// boundary, so a failing tick never stops the loop.
type tickFunc func(now time.Time) error

// ticker drives tickFunc repeatedly with a fixed delay between the end of
// one invocation and the start of the next, so invocations never overlap.
type ticker struct {
	interval time.Duration
	fn       tickFunc

	mu      sync.Mutex
	running bool
	gen     uint64
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newTicker(interval time.Duration, fn tickFunc) *ticker {
	return &ticker{interval: interval, fn: fn}
}

// start triggers the first invocation immediately and schedules the rest.
// Starting a running ticker is a programming error.
func (t *ticker) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return pkgerrors.New("ticker already running")
	}
	t.running = true
	t.gen++
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.loop(t.gen, t.stopCh, t.doneCh)
	return nil
}

// stop prevents further invocations and waits for an in-flight one to
// settle. Stopping a stopped ticker is a no-op.
func (t *ticker) stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.gen++
	close(t.stopCh)
	done := t.doneCh
	t.mu.Unlock()
	<-done
}

func (t *ticker) loop(gen uint64, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		_ = t.fn(time.Now())

		t.mu.Lock()
		stale := !t.running || t.gen != gen
		t.mu.Unlock()
		if stale {
			// stop() or a newer start() invalidated this generation
			// while the callback was running; never re-arm.
			return
		}

		select {
		case <-stopCh:
			return
		case <-time.After(t.interval):
		}
	}
}
