package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
)

type memTx struct {
	key     SubmissionKey
	amount  uint256.Int
	receipt Receipt
	done    chan struct{}
}

// MemLedger is an in-process ledger used when no chain is configured and in tests.
// Transactions stay pending until Confirm, Revert or Drop is called, unless AutoConfirm is set.
type MemLedger struct {
	mu sync.Mutex

	guard    *Guard
	balances map[common.Address]uint256.Int
	txs      map[common.Hash]*memTx
	block    uint64

	autoConfirm bool
	autoPayout  bool
	unavailable bool
	latency     time.Duration
	faucet      uint256.Int
}

type MemOption func(*MemLedger)

// WithAutoConfirm confirms every submission immediately.
func WithAutoConfirm() MemOption { return func(m *MemLedger) { m.autoConfirm = true } }

// WithAutoConfirmPayouts confirms payouts immediately while stakes wait for Confirm.
func WithAutoConfirmPayouts() MemOption { return func(m *MemLedger) { m.autoPayout = true } }

// WithLatency delays every submission, ignoring the caller's context.
func WithLatency(d time.Duration) MemOption { return func(m *MemLedger) { m.latency = d } }

// WithFaucet gives every address not set through SetBalance a starting balance.
func WithFaucet(amount uint256.Int) MemOption { return func(m *MemLedger) { m.faucet = amount } }

func NewMemLedger(opts ...MemOption) *MemLedger {
	m := &MemLedger{
		guard:    NewGuard(),
		balances: make(map[common.Address]uint256.Int),
		txs:      make(map[common.Hash]*memTx),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemLedger) SetBalance(addr common.Address, amount uint64) {
	m.mu.Lock()
	m.balances[addr] = *uint256.NewInt(amount)
	m.mu.Unlock()
}

func (m *MemLedger) balanceLocked(addr common.Address) uint256.Int {
	if bal, ok := m.balances[addr]; ok {
		return bal
	}
	return m.faucet
}

func (m *MemLedger) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

func (m *MemLedger) QueryBalance(ctx context.Context, addr common.Address) (uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return uint256.Int{}, domain.Errorf(domain.KindLedgerUnavailable, "ledger unavailable")
	}
	return m.balanceLocked(addr), nil
}

func (m *MemLedger) SubmitStake(ctx context.Context, gameID string, player common.Address, amount uint256.Int, nonce uint64) (TxHandle, error) {
	key := SubmissionKey{Kind: KindStake, GameID: gameID, Player: player, Nonce: nonce}
	return m.guard.Do(key, func() (TxHandle, error) {
		m.sleep()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.unavailable {
			return TxHandle{}, domain.Errorf(domain.KindLedgerUnavailable, "ledger unavailable")
		}
		bal := m.balanceLocked(player)
		if bal.Lt(&amount) {
			return TxHandle{}, domain.Errorf(domain.KindInsufficientFunds, "balance %s below stake %s", bal.Dec(), amount.Dec())
		}
		bal.Sub(&bal, &amount)
		m.balances[player] = bal
		return m.submitLocked(key, amount), nil
	})
}

func (m *MemLedger) SubmitPayout(ctx context.Context, gameID string, to common.Address, amount uint256.Int, nonce uint64) (TxHandle, error) {
	key := SubmissionKey{Kind: KindPayout, GameID: gameID, Player: to, Nonce: nonce}
	return m.guard.Do(key, func() (TxHandle, error) {
		m.sleep()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.unavailable {
			return TxHandle{}, domain.Errorf(domain.KindLedgerUnavailable, "ledger unavailable")
		}
		return m.submitLocked(key, amount), nil
	})
}

func (m *MemLedger) sleep() {
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
}

func (m *MemLedger) submitLocked(key SubmissionKey, amount uint256.Int) TxHandle {
	h := TxHandle{Key: key, Hash: crypto.Keccak256Hash([]byte(key.String())), SubmittedAt: time.Now()}
	tx := &memTx{key: key, amount: amount, receipt: Receipt{Hash: h.Hash, Outcome: OutcomePending}, done: make(chan struct{})}
	m.txs[h.Hash] = tx
	if m.autoConfirm || m.autoPayout && key.Kind == KindPayout {
		m.resolveLocked(tx, OutcomeConfirmed, "")
	}
	return h
}

func (m *MemLedger) resolveLocked(tx *memTx, outcome Outcome, reason string) bool {
	if tx.receipt.Outcome.Final() {
		return false
	}
	m.block++
	tx.receipt.Outcome = outcome
	tx.receipt.Reason = reason
	switch outcome {
	case OutcomeConfirmed:
		tx.receipt.BlockRef = m.block
		if tx.key.Kind == KindPayout {
			bal := m.balanceLocked(tx.key.Player)
			bal.Add(&bal, &tx.amount)
			m.balances[tx.key.Player] = bal
		}
	case OutcomeReverted:
		if tx.key.Kind == KindStake {
			bal := m.balanceLocked(tx.key.Player)
			bal.Add(&bal, &tx.amount)
			m.balances[tx.key.Player] = bal
		}
	}
	close(tx.done)
	return true
}

// Confirm mines a pending transaction.
func (m *MemLedger) Confirm(hash common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	return ok && m.resolveLocked(tx, OutcomeConfirmed, "")
}

// Revert fails a pending transaction on-chain.
func (m *MemLedger) Revert(hash common.Hash, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	return ok && m.resolveLocked(tx, OutcomeReverted, reason)
}

// Drop forgets a pending transaction, as if it fell out of the mempool.
func (m *MemLedger) Drop(hash common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	if !ok || tx.receipt.Outcome.Final() {
		return false
	}
	delete(m.txs, hash)
	if tx.key.Kind == KindStake {
		bal := m.balanceLocked(tx.key.Player)
		bal.Add(&bal, &tx.amount)
		m.balances[tx.key.Player] = bal
	}
	return true
}

// Pending returns hashes of unresolved transactions of the given kind.
func (m *MemLedger) Pending(kind TxKind) []common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []common.Hash
	for h, tx := range m.txs {
		if tx.key.Kind == kind && !tx.receipt.Outcome.Final() {
			out = append(out, h)
		}
	}
	return out
}

// Payouts returns confirmed payout amounts per recipient.
func (m *MemLedger) Payouts() map[common.Address]uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[common.Address]uint256.Int)
	for _, tx := range m.txs {
		if tx.key.Kind != KindPayout || tx.receipt.Outcome != OutcomeConfirmed {
			continue
		}
		sum := out[tx.key.Player]
		sum.Add(&sum, &tx.amount)
		out[tx.key.Player] = sum
	}
	return out
}

func (m *MemLedger) TxStatus(ctx context.Context, h TxHandle) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Receipt{}, domain.Errorf(domain.KindLedgerUnavailable, "ledger unavailable")
	}
	tx, ok := m.txs[h.Hash]
	if !ok {
		return Receipt{Hash: h.Hash, Outcome: OutcomeUnknown}, nil
	}
	return tx.receipt, nil
}

func (m *MemLedger) AwaitConfirmation(ctx context.Context, h TxHandle, timeout time.Duration) (Receipt, error) {
	m.mu.Lock()
	tx, ok := m.txs[h.Hash]
	m.mu.Unlock()
	if !ok {
		return Receipt{Hash: h.Hash, Outcome: OutcomeUnknown}, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tx.done:
		m.mu.Lock()
		r := tx.receipt
		m.mu.Unlock()
		return r, nil
	case <-t.C:
		return Receipt{Hash: h.Hash, Outcome: OutcomeTimedOut}, nil
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (m *MemLedger) Lookup(key SubmissionKey) (TxHandle, bool) { return m.guard.Lookup(key) }
