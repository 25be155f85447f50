package reconcile

import (
	"context"
	"time"

	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/park285/devasur-server/internal/stakes"
	"go.uber.org/zap"
)

type Config struct {
	Interval time.Duration
	// StakeTimeout is the age after which a PENDING stake is re-queried.
	StakeTimeout time.Duration
	// StakeGrace is the age after which an unknown or unsubmitted stake is failed.
	StakeGrace time.Duration
}

// Worker re-checks stale PENDING stakes against the ledger. It is the only path that
// frees a seat held by a submission that never landed.
type Worker struct {
	cfg    Config
	ledger ledger.Client
	cache  *stakes.Cache
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, client ledger.Client, cache *stakes.Cache, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.StakeTimeout <= 0 {
		cfg.StakeTimeout = 2 * time.Minute
	}
	if cfg.StakeGrace < cfg.StakeTimeout {
		cfg.StakeGrace = 2 * cfg.StakeTimeout
	}
	return &Worker{cfg: cfg, ledger: client, cache: cache, logger: logger, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("reconcile_start",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("stake_timeout", w.cfg.StakeTimeout),
		zap.Duration("stake_grace", w.cfg.StakeGrace),
	)
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconcile_stop")
			return
		case <-t.C:
			w.PollOnce(ctx)
		}
	}
}

// Result counts what one pass did.
type Result struct {
	Checked   int
	Confirmed int
	Failed    int
	Errors    int
}

// PollOnce processes one snapshot of stale PENDING stakes.
func (w *Worker) PollOnce(ctx context.Context) Result {
	var res Result
	for _, rec := range w.cache.ListPending(w.cfg.StakeTimeout) {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		switch w.check(ctx, rec) {
		case domain.StakeConfirmed:
			res.Confirmed++
		case domain.StakeFailed:
			res.Failed++
		case "":
			res.Errors++
		}
	}
	if res.Checked > 0 {
		w.logger.Info("reconcile_pass", zap.Int("checked", res.Checked), zap.Int("confirmed", res.Confirmed), zap.Int("failed", res.Failed), zap.Int("errors", res.Errors))
	}
	return res
}

// check returns the status it moved rec to, PENDING when left alone, or "" on error.
func (w *Worker) check(ctx context.Context, rec domain.StakeRecord) domain.StakeStatus {
	log := w.logger.With(zap.String("game_id", rec.GameID), zap.String("player", rec.Player.Hex()), zap.Uint64("attempt", rec.Attempt))
	age := w.now().Sub(rec.SubmittedAt)
	key := ledger.SubmissionKey{Kind: ledger.KindStake, GameID: rec.GameID, Player: rec.Player, Nonce: rec.Attempt}

	h := ledger.TxHandle{Key: key, Hash: rec.TxHash, SubmittedAt: rec.SubmittedAt}
	if !rec.HasTx() {
		found, ok := w.ledger.Lookup(key)
		if !ok {
			if age < w.cfg.StakeGrace {
				return domain.StakePending
			}
			return w.fail(log, rec, "dropped: never submitted")
		}
		h = found
		if _, err := w.cache.AttachTx(rec.GameID, rec.Player, rec.Attempt, h.Hash); err != nil {
			log.Debug("reconcile_attach_error", zap.Error(err))
		}
	}

	rc, err := w.ledger.TxStatus(ctx, h)
	if err != nil {
		log.Warn("reconcile_query_error", zap.Error(err))
		return ""
	}
	switch rc.Outcome {
	case ledger.OutcomeConfirmed:
		if _, err := w.cache.MarkConfirmed(rec.GameID, rec.Player, rc.Hash, rc.BlockRef); err != nil {
			log.Warn("reconcile_confirm_error", zap.Error(err))
			return ""
		}
		log.Info("reconcile_confirmed", zap.String("tx", rc.Hash.Hex()), zap.Uint64("block", rc.BlockRef))
		return domain.StakeConfirmed
	case ledger.OutcomeReverted:
		reason := "reverted"
		if rc.Reason != "" {
			reason += ": " + rc.Reason
		}
		return w.fail(log, rec, reason)
	case ledger.OutcomePending:
		// still in the mempool; it may land
		return domain.StakePending
	default:
		if age < w.cfg.StakeGrace {
			return domain.StakePending
		}
		return w.fail(log, rec, "dropped: "+string(rc.Outcome))
	}
}

func (w *Worker) fail(log *zap.Logger, rec domain.StakeRecord, reason string) domain.StakeStatus {
	if _, err := w.cache.MarkFailed(rec.GameID, rec.Player, reason); err != nil {
		log.Warn("reconcile_fail_error", zap.Error(err))
		return ""
	}
	log.Info("reconcile_failed", zap.String("reason", reason))
	return domain.StakeFailed
}
