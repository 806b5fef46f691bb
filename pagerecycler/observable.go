package pagerecycler

import (
	"context"
	"sync"

	"github.com/rbeerala/llfs/errs"
)

// pendingCount is the "observable counter with await-not-equal semantics"
// spec.md §4.2 names, plus the "close()" half of the shutdown protocol:
// close unblocks all awaiters with an error. Grounded in the same
// mutex+condvar idiom slotlog's grantPool uses for its own suspension
// point.
type pendingCount struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	closed  bool
	closeErr error
}

func newPendingCount() *pendingCount {
	p := &pendingCount{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Get returns the current value.
func (p *pendingCount) Get() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// set updates the value and wakes any awaiters.
func (p *pendingCount) set(n int) {
	p.mu.Lock()
	p.n = n
	p.cond.Broadcast()
	p.mu.Unlock()
}

// AwaitNotEqual blocks until the value differs from v, the observable is
// closed, or ctx is done.
func (p *pendingCount) AwaitNotEqual(ctx context.Context, v int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return p.n, p.closeErr
		}
		if p.n != v {
			return p.n, nil
		}
		if err := ctx.Err(); err != nil {
			return p.n, errs.ErrCancelled
		}
		waitLocked(p.cond, ctx)
	}
}

// Close unblocks all awaiters with err, used during the recycler's halt
// protocol.
func (p *pendingCount) Close(err error) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.closeErr = err
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// waitLocked blocks on cond, respecting ctx cancellation via a watcher
// goroutine that rebroadcasts when ctx is done. The associated mutex must
// be held on entry and is held again on return.
func waitLocked(cond *sync.Cond, ctx context.Context) {
	if ctx.Done() == nil {
		cond.Wait()
		return
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.Broadcast()
		case <-done:
		}
	}()
	cond.Wait()
	close(done)
}
