package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// Kind names a user-facing event. It doubles as the template key suffix ("notice.<kind>").
type Kind string

const (
	KindStakeConfirmed   Kind = "stake_confirmed"
	KindStakeReverted    Kind = "stake_reverted"
	KindSeatReleased     Kind = "seat_released"
	KindSessionStarted   Kind = "session_started"
	KindSessionCancelled Kind = "session_cancelled"
	KindSessionResolved  Kind = "session_resolved"
	KindRefundSent       Kind = "refund_sent"
	KindPayoutSent       Kind = "payout_sent"
	KindTransferStuck    Kind = "transfer_stuck"
)

type Notice struct {
	Kind     Kind
	GameID   string
	RoomCode string
	Player   common.Address
	Amount   uint256.Int
	TxHash   common.Hash
	Block    uint64
	Reason   string
	At       time.Time
}

// Notifier delivers notices to players or operators.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Notice) error { return nil }

// Memory keeps every notice; useful for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	notices []Notice
}

func (m *Memory) Notify(_ context.Context, n Notice) error {
	m.mu.Lock()
	m.notices = append(m.notices, n)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Notices() []Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notice(nil), m.notices...)
}

// Count returns how many notices of kind were delivered.
func (m *Memory) Count(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, x := range m.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

// Async decouples callers from delivery latency. Notices beyond the buffer are dropped and logged.
type Async struct {
	inner  Notifier
	queue  chan Notice
	logger *zap.Logger
	once   sync.Once
	done   chan struct{}
}

func NewAsync(inner Notifier, buffer int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Async{inner: inner, queue: make(chan Notice, buffer), logger: logger, done: make(chan struct{})}
}

func (a *Async) Notify(_ context.Context, n Notice) error {
	select {
	case a.queue <- n:
	default:
		a.logger.Warn("notify_dropped", zap.String("kind", string(n.Kind)), zap.String("game_id", n.GameID))
	}
	return nil
}

// Run delivers queued notices until ctx is done, then drains what is left.
func (a *Async) Run(ctx context.Context) {
	defer a.once.Do(func() { close(a.done) })
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case n := <-a.queue:
					a.deliver(n)
				default:
					return
				}
			}
		case n := <-a.queue:
			a.deliver(n)
		}
	}
}

// Done is closed once Run has returned.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) deliver(n Notice) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.inner.Notify(ctx, n); err != nil {
		a.logger.Warn("notify_error", zap.String("kind", string(n.Kind)), zap.String("game_id", n.GameID), zap.Error(err))
	}
}
