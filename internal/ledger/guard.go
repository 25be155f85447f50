package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
)

type guardEntry struct {
	done chan struct{}
	h    TxHandle
	err  error
	at   time.Time
}

// Guard deduplicates submissions by SubmissionKey. Concurrent callers with the same key
// wait for the first submission and receive its handle. Completed entries are forgotten
// after the retention window.
type Guard struct {
	mu        sync.Mutex
	entries   map[SubmissionKey]*guardEntry
	retention time.Duration
	now       func() time.Time
	swept     time.Time
}

type GuardOption func(*Guard)

// WithGuardRetention sets how long a completed submission keeps answering for its key.
func WithGuardRetention(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.retention = d
		}
	}
}

func withGuardClock(now func() time.Time) GuardOption { return func(g *Guard) { g.now = now } }

func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{entries: make(map[SubmissionKey]*guardEntry), retention: 24 * time.Hour, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.swept = g.now()
	return g
}

// sweepLocked drops completed entries older than the retention window. Callers hold g.mu.
func (g *Guard) sweepLocked() {
	now := g.now()
	if now.Sub(g.swept) < g.retention/4 {
		return
	}
	g.swept = now
	for k, e := range g.entries {
		select {
		case <-e.done:
			if now.Sub(e.at) > g.retention {
				delete(g.entries, k)
			}
		default:
		}
	}
}

// Len reports how many submissions the guard still remembers.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Do runs submit once per key. A failed submission is forgotten so the key can be retried.
func (g *Guard) Do(key SubmissionKey, submit func() (TxHandle, error)) (TxHandle, error) {
	g.mu.Lock()
	g.sweepLocked()
	if e, ok := g.entries[key]; ok {
		g.mu.Unlock()
		<-e.done
		if e.err != nil {
			return TxHandle{}, e.err
		}
		h := e.h
		h.Existing = true
		return h, nil
	}
	e := &guardEntry{done: make(chan struct{})}
	g.entries[key] = e
	g.mu.Unlock()

	h, err := submit()
	e.h, e.err = h, err
	g.mu.Lock()
	e.at = g.now()
	if err != nil {
		delete(g.entries, key)
	}
	g.mu.Unlock()
	close(e.done)
	return h, err
}

func (g *Guard) Lookup(key SubmissionKey) (TxHandle, bool) {
	g.mu.Lock()
	e, ok := g.entries[key]
	g.mu.Unlock()
	if !ok {
		return TxHandle{}, false
	}
	select {
	case <-e.done:
		if e.err != nil {
			return TxHandle{}, false
		}
		h := e.h
		h.Existing = true
		return h, true
	default:
		return TxHandle{}, false
	}
}

// Bounded decorates a Client so every call is cut off after the call timeout, even when
// the underlying transport ignores its context.
type Bounded struct {
	inner   Client
	timeout time.Duration
}

func NewBounded(inner Client, timeout time.Duration) *Bounded {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bounded{inner: inner, timeout: timeout}
}

func bounded[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.v, classify(op, r.err)
		}
		return r.v, nil
	case <-cctx.Done():
		var zero T
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return zero, ctx.Err()
		}
		return zero, domain.Wrap(domain.KindTimedOut, op+" timed out", cctx.Err())
	}
}

func (b *Bounded) SubmitStake(ctx context.Context, gameID string, player common.Address, amount uint256.Int, nonce uint64) (TxHandle, error) {
	return bounded(ctx, b.timeout, "submit stake", func(c context.Context) (TxHandle, error) {
		return b.inner.SubmitStake(c, gameID, player, amount, nonce)
	})
}

func (b *Bounded) SubmitPayout(ctx context.Context, gameID string, to common.Address, amount uint256.Int, nonce uint64) (TxHandle, error) {
	return bounded(ctx, b.timeout, "submit payout", func(c context.Context) (TxHandle, error) {
		return b.inner.SubmitPayout(c, gameID, to, amount, nonce)
	})
}

func (b *Bounded) AwaitConfirmation(ctx context.Context, h TxHandle, timeout time.Duration) (Receipt, error) {
	return bounded(ctx, timeout+b.timeout, "await confirmation", func(c context.Context) (Receipt, error) {
		return b.inner.AwaitConfirmation(c, h, timeout)
	})
}

func (b *Bounded) TxStatus(ctx context.Context, h TxHandle) (Receipt, error) {
	return bounded(ctx, b.timeout, "tx status", func(c context.Context) (Receipt, error) {
		return b.inner.TxStatus(c, h)
	})
}

func (b *Bounded) QueryBalance(ctx context.Context, addr common.Address) (uint256.Int, error) {
	return bounded(ctx, b.timeout, "query balance", func(c context.Context) (uint256.Int, error) {
		return b.inner.QueryBalance(c, addr)
	})
}

func (b *Bounded) Lookup(key SubmissionKey) (TxHandle, bool) { return b.inner.Lookup(key) }
