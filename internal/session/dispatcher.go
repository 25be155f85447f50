package session

import (
	"context"
	"sync"
	"time"

	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/game"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/park285/devasur-server/internal/notify"
	"github.com/park285/devasur-server/internal/stakes"
	"go.uber.org/zap"
)

// Dispatcher executes transfer intents on a bounded pool of workers.
type Dispatcher struct {
	ledger   ledger.Client
	cache    *stakes.Cache
	notifier notify.Notifier
	logger   *zap.Logger

	workers        int
	confirmTimeout time.Duration
	maxAttempts    int
	backoff        func(attempt int) time.Duration

	mu      sync.Mutex
	pending []job
	stopped bool
	wake    chan struct{}
	active  sync.WaitGroup
}

type job struct {
	intent game.Intent
	room   string
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption { return func(d *Dispatcher) { d.workers = n } }

func WithConfirmTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.confirmTimeout = t }
}

// WithRetry sets the attempt limit and backoff between failed attempts.
func WithRetry(max int, backoff func(int) time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxAttempts = max
		if backoff != nil {
			d.backoff = backoff
		}
	}
}

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(client ledger.Client, cache *stakes.Cache, notifier notify.Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		ledger:         client,
		cache:          cache,
		notifier:       notifier,
		logger:         zap.NewNop(),
		workers:        4,
		confirmTimeout: 2 * time.Minute,
		maxAttempts:    5,
		backoff:        transferBackoff,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 1
	}
	return d
}

func transferBackoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt)) * 250 * time.Millisecond
}

// Enqueue never blocks; the queue is unbounded so callers holding a session lock stay fast.
func (d *Dispatcher) Enqueue(room string, intents ...game.Intent) {
	if len(intents) == 0 {
		return
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		for _, in := range intents {
			d.unexecuted(in, "dispatcher stopped")
		}
		return
	}
	d.active.Add(len(intents))
	for _, in := range intents {
		d.pending = append(d.pending, job{intent: in, room: room})
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return job{}, false
	}
	j := d.pending[0]
	d.pending = d.pending[1:]
	return j, true
}

// Run starts the workers and blocks until ctx is done. Intents still queued at that point
// are logged for manual reconciliation.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	d.abandon()
}

// abandon empties the queue after the workers stopped.
func (d *Dispatcher) abandon() int {
	d.mu.Lock()
	left := d.pending
	d.pending = nil
	d.stopped = true
	d.mu.Unlock()
	for _, j := range left {
		d.unexecuted(j.intent, "dispatcher stopped before execution")
		d.active.Done()
	}
	return len(left)
}

func (d *Dispatcher) unexecuted(in game.Intent, reason string) {
	d.logger.Error("transfer_manual_reconciliation",
		zap.String("game_id", in.GameID),
		zap.String("kind", string(in.Kind)),
		zap.String("to", in.To.Hex()),
		zap.String("amount", in.Amount.Dec()),
		zap.Uint64("nonce", in.Nonce),
		zap.String("reason", reason),
	)
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		if j, ok := d.next(); ok {
			d.execute(ctx, j)
			d.active.Done()
			// pass the signal on so idle workers pick up the rest
			select {
			case d.wake <- struct{}{}:
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
	}
}

// Idle blocks until every enqueued intent has been executed.
func (d *Dispatcher) Idle() { d.active.Wait() }

func (d *Dispatcher) execute(ctx context.Context, j job) {
	in := j.intent
	log := d.logger.With(
		zap.String("game_id", in.GameID),
		zap.String("kind", string(in.Kind)),
		zap.String("to", in.To.Hex()),
		zap.String("amount", in.Amount.Dec()),
	)
	nonce := in.Nonce
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		h, err := d.ledger.SubmitPayout(ctx, in.GameID, in.To, in.Amount, nonce)
		if err == nil {
			var rc ledger.Receipt
			rc, err = d.ledger.AwaitConfirmation(ctx, h, d.confirmTimeout)
			if err == nil {
				switch rc.Outcome {
				case ledger.OutcomeConfirmed:
					log.Info("transfer_confirmed", zap.String("tx", rc.Hash.Hex()), zap.Uint64("block", rc.BlockRef), zap.Int("attempt", attempt))
					d.settle(ctx, j, rc)
					return
				case ledger.OutcomeReverted:
					// a reverted transfer moved nothing, so the next attempt needs a fresh key
					nonce++
					err = domain.Errorf(domain.KindReverted, "transfer reverted: %s", rc.Reason)
				default:
					// same key again: the guard hands back the in-flight transaction
					err = domain.Errorf(domain.KindTimedOut, "transfer %s", rc.Outcome)
				}
			}
		}
		lastErr = err
		log.Warn("transfer_retry", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < d.maxAttempts && !sleep(ctx, d.backoff(attempt)) {
			break
		}
	}
	log.Error("transfer_manual_reconciliation", zap.Error(lastErr))
	_ = d.notifier.Notify(ctx, notify.Notice{
		Kind: notify.KindTransferStuck, GameID: in.GameID, RoomCode: j.room, Player: in.To,
		Amount: in.Amount, Reason: errString(lastErr), At: time.Now(),
	})
}

func (d *Dispatcher) settle(ctx context.Context, j job, rc ledger.Receipt) {
	in := j.intent
	n := notify.Notice{GameID: in.GameID, RoomCode: j.room, Player: in.To, Amount: in.Amount, TxHash: rc.Hash, Block: rc.BlockRef, Reason: in.Reason, At: time.Now()}
	switch in.Kind {
	case game.IntentRefund:
		if _, err := d.cache.MarkRefunded(in.GameID, in.To, rc.Hash); err != nil {
			d.logger.Warn("refund_mark_error", zap.String("game_id", in.GameID), zap.String("player", in.To.Hex()), zap.Error(err))
		}
		n.Kind = notify.KindRefundSent
	case game.IntentPayout:
		if _, err := d.cache.MarkWithdrawn(in.GameID, in.To, rc.Hash); err != nil {
			d.logger.Warn("payout_mark_error", zap.String("game_id", in.GameID), zap.String("player", in.To.Hex()), zap.Error(err))
		}
		n.Kind = notify.KindPayoutSent
	default:
		return
	}
	_ = d.notifier.Notify(ctx, n)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
