package transport

import (
	"context"
	"sync"
)

// Tracker reports completion of a tracked send.
type Tracker struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newTracker() *Tracker { return &Tracker{done: make(chan struct{})} }

// CompletedTracker returns a tracker that is already done.
func CompletedTracker() *Tracker {
	t := newTracker()
	t.complete(nil)
	return t
}

func (t *Tracker) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done reports whether the send finished without blocking.
func (t *Tracker) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the send finished and returns its error.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
