package slotlog

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rbeerala/llfs/errs"
)

// grantPool is the byte pool a Grant is carved from. SlotWriter owns one;
// PageRecycler's insert grant pool and recycle-task grant are Grants
// reserved from its own SlotWriter's pool, not separate pools.
type grantPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	reserved int // promised to live Grants, not yet written
	spent    int // written to the log, not yet trimmed
	halted   bool
	haltErr  error
}

// newGrantPool creates a pool with the given byte capacity.
func newGrantPool(capacity int) *grantPool {
	p := &grantPool{capacity: capacity}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// reserve carves n bytes out of the pool, blocking if wait is true and the
// pool lacks room, until either room opens up (via release) or the pool is
// halted. With wait=false it fails immediately with ErrNoSpace.
func (p *grantPool) reserve(ctx context.Context, n int, wait bool) (*Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.halted {
			return nil, p.haltErr
		}
		if p.capacity-p.reserved-p.spent >= n {
			p.reserved += n
			return &Grant{pool: p, remaining: n}, nil
		}
		if !wait {
			return nil, errors.Wrapf(errs.ErrNoSpace, "reserve %d bytes (pool capacity %d, in use %d)", n, p.capacity, p.reserved+p.spent)
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errs.ErrCancelled, err.Error())
		}
		p.waitLocked(ctx)
	}
}

// waitLocked blocks on the pool's condition variable, respecting ctx
// cancellation by way of a watcher goroutine that broadcasts on the cond
// when the context is done. p.mu must be held.
func (p *grantPool) waitLocked(ctx context.Context) {
	if ctx.Done() == nil {
		p.cond.Wait()
		return
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-done:
		}
	}()
	p.cond.Wait()
	close(done)
}

// available reports how many bytes could be reserved right now.
func (p *grantPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.reserved - p.spent
}

// releaseReserved returns n never-written bytes to the pool (Revoke, or a
// Spend child that is itself revoked) and wakes any waiters.
func (p *grantPool) releaseReserved(n int) {
	p.mu.Lock()
	p.reserved -= n
	p.cond.Broadcast()
	p.mu.Unlock()
}

// markSpent transfers n bytes from reserved to spent: the bytes are now
// durable log data occupying physical ring space, no longer just promised
// to a Grant. Net availability is unchanged until a matching Trim.
func (p *grantPool) markSpent(n int) {
	p.mu.Lock()
	p.reserved -= n
	p.spent += n
	p.mu.Unlock()
}

// releaseSpent returns n previously-spent bytes to the pool once Trim has
// reclaimed the underlying log space, and wakes any waiters.
func (p *grantPool) releaseSpent(n int) {
	p.mu.Lock()
	p.spent -= n
	p.cond.Broadcast()
	p.mu.Unlock()
}

// halt unblocks all waiters with err and marks the pool permanently
// halted. Idempotent.
func (p *grantPool) halt(err error) {
	p.mu.Lock()
	if !p.halted {
		p.halted = true
		p.haltErr = err
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Grant is a move-only credit of log bytes carved from a grantPool. Once
// transferred into another grant via Subsume or released via Revoke, it is
// no longer usable; any further use is a PolicyViolation (spec.md §7 —
// programming errors abort the process). Appends and Spend draw down its
// remaining bytes and leave it usable.
type Grant struct {
	mu        sync.Mutex
	pool      *grantPool
	remaining int
	dead      bool
}

// GetIssuer identifies the pool this grant was carved from, for safety
// checks at consumption sites (e.g. SlotWriter.append verifying a caller
// didn't hand it a grant from a different writer's pool).
func (g *Grant) GetIssuer() interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pool
}

// Remaining reports the bytes still available on this grant.
func (g *Grant) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining
}

func (g *Grant) checkLiveLocked(op string) {
	if g.dead {
		errs.Policy("grant reused after %s", op)
	}
}

// spendInternal consumes n bytes without creating a child grant; used by
// append.
func (g *Grant) spendInternal(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkLiveLocked("consume")
	if g.remaining < n {
		return errors.Wrapf(errs.ErrNoSpace, "grant has %d bytes remaining, need %d", g.remaining, n)
	}
	g.remaining -= n
	g.pool.markSpent(n)
	return nil
}

// Spend splits n bytes off this grant into a new, independent Grant against
// the same pool. The parent grant's remaining balance shrinks by n but
// stays alive for further use.
func (g *Grant) Spend(n int) (*Grant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkLiveLocked("spend")
	if g.remaining < n {
		return nil, errors.Wrapf(errs.ErrNoSpace, "grant has %d bytes remaining, need %d", g.remaining, n)
	}
	g.remaining -= n
	return &Grant{pool: g.pool, remaining: n}, nil
}

// Subsume merges other into g. other must share the same issuing pool;
// mismatched issuers are a PolicyViolation. other is left dead.
func (g *Grant) Subsume(other *Grant) {
	g.mu.Lock()
	other.mu.Lock()
	defer other.mu.Unlock()
	defer g.mu.Unlock()

	g.checkLiveLocked("subsume(into)")
	other.checkLiveLocked("subsume(from)")
	if g.pool != other.pool {
		errs.Policy("subsume: grant issuers differ")
	}
	g.remaining += other.remaining
	other.remaining = 0
	other.dead = true
}

// Revoke releases the grant's remaining bytes back to the pool without
// consuming them (e.g. on a cancelled append).
func (g *Grant) Revoke() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return
	}
	n := g.remaining
	g.remaining = 0
	g.dead = true
	g.pool.releaseReserved(n)
}
