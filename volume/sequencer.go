package volume

import (
	"context"
	"sync"

	"github.com/rbeerala/llfs/errs"
	"github.com/rbeerala/llfs/slotlog"
)

// Sequencer is SlotSequencer (spec.md §4.5 Phase 0): each Sequencer stands
// for one AppendJob call's place in a causal chain. Construct one with the
// previous job's Sequencer as prev (nil for the first link); AppendJob
// calls AwaitPrev at the start of Phase 0 and SetCurrent/SetError once its
// own outcome is known, unblocking whichever later Sequencer names this
// one as prev. Grounded on the same mutex+condvar suspension idiom as
// pagerecycler's pendingCount/grantPool.
type Sequencer struct {
	prev *Sequencer

	mu   sync.Mutex
	cond *sync.Cond
	done bool
	rng  slotlog.SlotRange
	err  error
}

// NewSequencer returns a fresh, unresolved sequencer chained after prev
// (nil starts a new chain).
func NewSequencer(prev *Sequencer) *Sequencer {
	s := &Sequencer{prev: prev}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AwaitPrev blocks until the chain's previous link resolves (immediately,
// with no wait, if this is the first link), returning its upper bound or
// its error.
func (s *Sequencer) AwaitPrev(ctx context.Context) (slotlog.SlotOffset, error) {
	if s.prev == nil {
		return 0, nil
	}
	return s.prev.await(ctx)
}

func (s *Sequencer) await(ctx context.Context) (slotlog.SlotOffset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.done {
		if err := ctx.Err(); err != nil {
			return 0, errs.ErrCancelled
		}
		waitLocked(s.cond, ctx)
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.rng.Upper, nil
}

// SetCurrent resolves this sequencer successfully with rng, unblocking
// whichever later Sequencer names this one as prev. Must be called on
// every success path once AppendJob has accepted a non-nil Sequencer.
func (s *Sequencer) SetCurrent(rng slotlog.SlotRange) {
	s.mu.Lock()
	s.rng = rng
	s.done = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SetError resolves this sequencer with a failure. Must be called on
// every failure path — an unresolved sequencer wedges the next link in
// the chain forever.
func (s *Sequencer) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.done = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitLocked blocks on cond, respecting ctx cancellation via a watcher
// goroutine, mirroring pagerecycler's helper of the same name.
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
