package dispatcher

import (
	"context"
	"sync"
	"time"
)

// completion is a one-shot future satisfying delivery.CompletionSignal.
// The first Done wins; later calls are ignored. after, when set, runs once
// on the goroutine that called Done, before waiters wake, and must not take
// the dispatcher lock.
type completion struct {
	once  sync.Once
	done  chan struct{}
	err   error
	after func(err error)
}

func newCompletion(after func(err error)) *completion {
	return &completion{done: make(chan struct{}), after: after}
}

func (c *completion) Done(err error) {
	c.once.Do(func() {
		c.err = err
		if c.after != nil {
			c.after(err)
		}
		close(c.done)
	})
}

// wait blocks until Done is called, the timeout elapses or ctx is cancelled.
func (c *completion) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.err
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
