package stakes

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/ledger"
	"go.uber.org/zap"
)

// Store persists stake records outside the process. Save is called after every transition.
type Store interface {
	Save(ctx context.Context, rec domain.StakeRecord) error
	LoadAll(ctx context.Context) ([]domain.StakeRecord, error)
}

// Observer is notified after each successful transition, outside any cache lock.
type Observer func(rec domain.StakeRecord)

type key struct {
	gameID string
	player common.Address
}

// entry holds every attempt for one (game, player); the last element is current.
type entry struct {
	mu      sync.Mutex
	history []domain.StakeRecord
}

func (e *entry) current() (domain.StakeRecord, bool) {
	if len(e.history) == 0 {
		return domain.StakeRecord{}, false
	}
	return e.history[len(e.history)-1], true
}

// Cache is the in-memory stake table. Each key has its own lock; all transitions are
// compare-and-set against the current status.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*entry

	obsMu     sync.RWMutex
	observers []Observer

	store  Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Cache)

func WithStore(s Store) Option              { return func(c *Cache) { c.store = s } }
func WithLogger(l *zap.Logger) Option       { return func(c *Cache) { c.logger = l } }
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func New(opts ...Option) *Cache {
	c := &Cache{entries: make(map[key]*entry), logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnChange registers an observer.
func (c *Cache) OnChange(o Observer) {
	if o == nil {
		return
	}
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

func (c *Cache) entryFor(k key, create bool) *entry {
	c.mu.RLock()
	e := c.entries[k]
	c.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e = c.entries[k]; e == nil {
		e = &entry{}
		c.entries[k] = e
	}
	return e
}

func keyOf(gameID string, player common.Address) key {
	return key{gameID: strings.TrimSpace(gameID), player: player}
}

// RecordPending opens a new stake attempt. An existing non-FAILED record rejects the call
// with DUPLICATE_STAKE; a FAILED one is superseded by attempt+1.
func (c *Cache) RecordPending(gameID string, player common.Address, amount uint256.Int) (domain.StakeRecord, error) {
	k := keyOf(gameID, player)
	e := c.entryFor(k, true)
	e.mu.Lock()
	var attempt uint64
	if cur, ok := e.current(); ok {
		if cur.Status != domain.StakeFailed {
			e.mu.Unlock()
			return cur, domain.Errorf(domain.KindDuplicateStake, "stake already %s for %s", strings.ToLower(string(cur.Status)), player.Hex())
		}
		attempt = cur.Attempt + 1
	}
	now := c.now()
	rec := domain.StakeRecord{
		GameID:      k.gameID,
		Player:      player,
		Amount:      amount,
		Attempt:     attempt,
		Status:      domain.StakePending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	e.history = append(e.history, rec)
	e.mu.Unlock()

	c.logger.Info("stake_pending", zap.String("game_id", k.gameID), zap.String("player", player.Hex()), zap.Uint64("attempt", attempt), zap.String("amount", amount.Dec()))
	c.commit(rec)
	return rec, nil
}

// errUnchanged lets a mutation leave the record as it is without reporting a conflict.
var errUnchanged = errors.New("unchanged")

// mutate applies fn to the current record under the key lock. fn returns false to reject.
func (c *Cache) mutate(gameID string, player common.Address, op string, fn func(rec *domain.StakeRecord) error) (domain.StakeRecord, error) {
	k := keyOf(gameID, player)
	e := c.entryFor(k, false)
	if e == nil {
		return domain.StakeRecord{}, domain.Errorf(domain.KindNotFound, "no stake for %s in %s", player.Hex(), k.gameID)
	}
	e.mu.Lock()
	cur, ok := e.current()
	if !ok {
		e.mu.Unlock()
		return domain.StakeRecord{}, domain.Errorf(domain.KindNotFound, "no stake for %s in %s", player.Hex(), k.gameID)
	}
	next := cur
	if err := fn(&next); err != nil {
		e.mu.Unlock()
		if errors.Is(err, errUnchanged) {
			return cur, nil
		}
		c.logger.Warn("stake_conflict",
			zap.String("op", op),
			zap.String("game_id", k.gameID),
			zap.String("player", player.Hex()),
			zap.String("status", string(cur.Status)),
			zap.Error(err),
		)
		return cur, err
	}
	next.UpdatedAt = c.now()
	e.history[len(e.history)-1] = next
	e.mu.Unlock()
	c.commit(next)
	return next, nil
}

func expect(rec *domain.StakeRecord, want domain.StakeStatus, to domain.StakeStatus) error {
	if rec.Status != want {
		return domain.Errorf(domain.KindConflict, "cannot move stake from %s to %s", rec.Status, to)
	}
	return nil
}

// AttachTx binds the submitted transaction to the pending attempt.
func (c *Cache) AttachTx(gameID string, player common.Address, attempt uint64, tx common.Hash) (domain.StakeRecord, error) {
	return c.mutate(gameID, player, "attach_tx", func(rec *domain.StakeRecord) error {
		if rec.Attempt != attempt {
			return domain.Errorf(domain.KindConflict, "attempt %d superseded by %d", attempt, rec.Attempt)
		}
		if err := expect(rec, domain.StakePending, domain.StakePending); err != nil {
			return err
		}
		if rec.HasTx() && rec.TxHash != tx {
			return domain.Errorf(domain.KindConflict, "attempt already bound to %s", rec.TxHash.Hex())
		}
		rec.TxHash = tx
		return nil
	})
}

// MarkConfirmed moves a PENDING record to CONFIRMED. A confirmation for a record that is no
// longer PENDING is rejected and left for manual reconciliation.
func (c *Cache) MarkConfirmed(gameID string, player common.Address, tx common.Hash, block uint64) (domain.StakeRecord, error) {
	rec, err := c.mutate(gameID, player, "confirm", func(rec *domain.StakeRecord) error {
		if err := expect(rec, domain.StakePending, domain.StakeConfirmed); err != nil {
			return err
		}
		if rec.HasTx() && tx != (common.Hash{}) && rec.TxHash != tx {
			return domain.Errorf(domain.KindConflict, "confirmation for %s does not match %s", tx.Hex(), rec.TxHash.Hex())
		}
		if !rec.HasTx() {
			rec.TxHash = tx
		}
		rec.Status = domain.StakeConfirmed
		rec.BlockRef = block
		rec.ConfirmedAt = c.now()
		return nil
	})
	if err != nil && domain.KindOf(err) == domain.KindConflict {
		c.logger.Error("stake_manual_reconciliation",
			zap.String("game_id", gameID),
			zap.String("player", player.Hex()),
			zap.String("tx", tx.Hex()),
			zap.String("status", string(rec.Status)),
		)
	}
	return rec, err
}

func (c *Cache) MarkFailed(gameID string, player common.Address, reason string) (domain.StakeRecord, error) {
	return c.mutate(gameID, player, "fail", func(rec *domain.StakeRecord) error {
		if err := expect(rec, domain.StakePending, domain.StakeFailed); err != nil {
			return err
		}
		rec.Status = domain.StakeFailed
		rec.Reason = reason
		return nil
	})
}

func (c *Cache) MarkRefunded(gameID string, player common.Address, tx common.Hash) (domain.StakeRecord, error) {
	return c.mutate(gameID, player, "refund", func(rec *domain.StakeRecord) error {
		if err := expect(rec, domain.StakeConfirmed, domain.StakeRefunded); err != nil {
			return err
		}
		rec.Status = domain.StakeRefunded
		rec.Reason = "refund " + tx.Hex()
		return nil
	})
}

func (c *Cache) MarkWithdrawn(gameID string, player common.Address, tx common.Hash) (domain.StakeRecord, error) {
	return c.mutate(gameID, player, "withdraw", func(rec *domain.StakeRecord) error {
		if err := expect(rec, domain.StakeConfirmed, domain.StakeWithdrawn); err != nil {
			return err
		}
		rec.Status = domain.StakeWithdrawn
		rec.Reason = "payout " + tx.Hex()
		return nil
	})
}

// MarkSettled records that the confirmed stake is accounted for by a transfer intent or by
// the pot of a resolved session. It reports whether this call settled it; records that
// already left CONFIRMED or were settled before are left alone.
func (c *Cache) MarkSettled(gameID string, player common.Address) (bool, error) {
	changed := false
	_, err := c.mutate(gameID, player, "settle", func(rec *domain.StakeRecord) error {
		if rec.Status != domain.StakeConfirmed || rec.Settled() {
			return errUnchanged
		}
		rec.SettledAt = c.now()
		changed = true
		return nil
	})
	return changed, err
}

// Get returns the current record for the key.
func (c *Cache) Get(gameID string, player common.Address) (domain.StakeRecord, bool) {
	e := c.entryFor(keyOf(gameID, player), false)
	if e == nil {
		return domain.StakeRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current()
}

// History returns every attempt for the key, oldest first.
func (c *Cache) History(gameID string, player common.Address) []domain.StakeRecord {
	e := c.entryFor(keyOf(gameID, player), false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.StakeRecord(nil), e.history...)
}

// snapshot copies current records matching keep. The entry table lock is released before
// any per-key lock is taken.
func (c *Cache) snapshot(keep func(domain.StakeRecord) bool) []domain.StakeRecord {
	c.mu.RLock()
	list := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		list = append(list, e)
	}
	c.mu.RUnlock()

	out := make([]domain.StakeRecord, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		cur, ok := e.current()
		e.mu.Unlock()
		if ok && keep(cur) {
			out = append(out, cur)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].Player.Hex() < out[j].Player.Hex()
	})
	return out
}

// ListGame returns current records of one game ordered by submission time.
func (c *Cache) ListGame(gameID string) []domain.StakeRecord {
	gameID = strings.TrimSpace(gameID)
	return c.snapshot(func(r domain.StakeRecord) bool { return r.GameID == gameID })
}

// ListPending returns a point-in-time copy of PENDING records submitted more than olderThan
// ago. Callers may mutate the cache while iterating.
func (c *Cache) ListPending(olderThan time.Duration) []domain.StakeRecord {
	cutoff := c.now().Add(-olderThan)
	return c.snapshot(func(r domain.StakeRecord) bool {
		return r.Status == domain.StakePending && !r.SubmittedAt.After(cutoff)
	})
}

// ListUnsettled returns CONFIRMED records no transfer or resolved session accounts for yet.
func (c *Cache) ListUnsettled() []domain.StakeRecord {
	return c.snapshot(func(r domain.StakeRecord) bool {
		return r.Status == domain.StakeConfirmed && !r.Settled()
	})
}

// Apply folds a ledger event into the cache. Payout events are ignored here.
func (c *Cache) Apply(ev ledger.Event) error {
	if ev.Key.Kind != ledger.KindStake {
		return nil
	}
	cur, ok := c.Get(ev.Key.GameID, ev.Key.Player)
	if !ok {
		return domain.Errorf(domain.KindNotFound, "event for unknown stake %s", ev.Key.String())
	}
	if cur.Attempt != ev.Key.Nonce {
		c.logger.Warn("stake_event_stale", zap.String("key", ev.Key.String()), zap.Uint64("current_attempt", cur.Attempt))
		return domain.Errorf(domain.KindConflict, "event for superseded attempt %d", ev.Key.Nonce)
	}
	// the poller, the push feed and the awaiting submitter may all report the same receipt
	if dup := (ev.Receipt.Outcome == ledger.OutcomeConfirmed && cur.Status == domain.StakeConfirmed) ||
		(ev.Receipt.Outcome == ledger.OutcomeReverted && cur.Status == domain.StakeFailed); dup {
		if ev.Receipt.Hash == (common.Hash{}) || !cur.HasTx() || ev.Receipt.Hash == cur.TxHash {
			return nil
		}
	}
	switch ev.Receipt.Outcome {
	case ledger.OutcomeConfirmed:
		_, err := c.MarkConfirmed(ev.Key.GameID, ev.Key.Player, ev.Receipt.Hash, ev.Receipt.BlockRef)
		return err
	case ledger.OutcomeReverted:
		reason := "reverted"
		if r := strings.TrimSpace(ev.Receipt.Reason); r != "" {
			reason += ": " + r
		}
		_, err := c.MarkFailed(ev.Key.GameID, ev.Key.Player, reason)
		return err
	default:
		return nil
	}
}

// Consume applies events until ctx is done or events is closed.
func (c *Cache) Consume(ctx context.Context, events <-chan ledger.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.Apply(ev); err != nil {
				c.logger.Debug("stake_event_rejected", zap.String("key", ev.Key.String()), zap.Error(err))
			}
		}
	}
}

// Restore loads persisted records, replacing nothing already present.
func (c *Cache) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	recs, err := c.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Attempt < recs[j].Attempt })
	n := 0
	for _, r := range recs {
		e := c.entryFor(keyOf(r.GameID, r.Player), true)
		e.mu.Lock()
		if cur, ok := e.current(); !ok || cur.Attempt < r.Attempt {
			e.history = append(e.history, r)
			n++
		} else if cur.Attempt == r.Attempt {
			e.history[len(e.history)-1] = r
		}
		e.mu.Unlock()
	}
	return n, nil
}

func (c *Cache) commit(rec domain.StakeRecord) {
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := c.store.Save(ctx, rec); err != nil {
			c.logger.Error("stake_store_error", zap.String("game_id", rec.GameID), zap.String("player", rec.Player.Hex()), zap.Error(err))
		}
		cancel()
	}
	c.obsMu.RLock()
	obs := append([]Observer(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, o := range obs {
		o(rec)
	}
}
