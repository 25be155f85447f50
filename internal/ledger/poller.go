package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Poller turns submitted transactions into confirmation Events by polling TxStatus.
// It holds no lock while calling the ledger.
type Poller struct {
	client   Client
	out      chan<- Event
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	tracked map[common.Hash]TxHandle
}

func NewPoller(client Client, out chan<- Event, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{client: client, out: out, interval: interval, logger: logger, tracked: make(map[common.Hash]TxHandle)}
}

func (p *Poller) Track(h TxHandle) {
	if h.Hash == (common.Hash{}) {
		return
	}
	p.mu.Lock()
	p.tracked[h.Hash] = h
	p.mu.Unlock()
}

// Untrack stops polling every transaction submitted under key. The cache calls it once a
// stake left PENDING by any route, so handles the reconciliation worker failed stop here too.
func (p *Poller) Untrack(key SubmissionKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for hash, h := range p.tracked {
		if h.Key == key {
			delete(p.tracked, hash)
		}
	}
}

func (p *Poller) Tracked() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tracked)
}

func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("ledger_poller_start", zap.Duration("interval", p.interval))
	t := time.NewTicker(p.interval)
	defer t.Stop()
	defer p.logger.Info("ledger_poller_stop")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce checks every tracked transaction once and emits events for final outcomes.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.RLock()
	handles := make([]TxHandle, 0, len(p.tracked))
	for _, h := range p.tracked {
		handles = append(handles, h)
	}
	p.mu.RUnlock()

	for _, h := range handles {
		r, err := p.client.TxStatus(ctx, h)
		if err != nil {
			p.logger.Debug("ledger_poll_error", zap.String("tx", h.Hash.Hex()), zap.Error(err))
			continue
		}
		if !r.Outcome.Final() {
			continue
		}
		select {
		case p.out <- Event{Key: h.Key, Receipt: r, At: time.Now()}:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		delete(p.tracked, h.Hash)
		p.mu.Unlock()
	}
}
