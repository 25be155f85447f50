package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
)

// TxKind distinguishes stake deposits from payouts leaving the contract.
type TxKind string

const (
	KindStake  TxKind = "stake"
	KindPayout TxKind = "payout"
)

// SubmissionKey identifies one logical submission. Resubmitting the same key never
// produces a second transaction.
type SubmissionKey struct {
	Kind   TxKind
	GameID string
	Player common.Address
	Nonce  uint64
}

func (k SubmissionKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.Kind, strings.TrimSpace(k.GameID), k.Player.Hex(), k.Nonce)
}

type TxHandle struct {
	Key         SubmissionKey
	Hash        common.Hash
	SubmittedAt time.Time
	// Existing is set when the handle was returned for a key submitted earlier.
	Existing bool
}

// Outcome is the ledger-side state of a transaction.
type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeReverted  Outcome = "REVERTED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
	OutcomePending   Outcome = "PENDING"
	OutcomeUnknown   Outcome = "UNKNOWN"
)

func (o Outcome) Final() bool { return o == OutcomeConfirmed || o == OutcomeReverted }

type Receipt struct {
	Hash     common.Hash
	Outcome  Outcome
	BlockRef uint64
	Reason   string
}

// Event is a confirmation-side notification, produced by the poller or the push feed.
type Event struct {
	Key     SubmissionKey
	Receipt Receipt
	At      time.Time
}

// Client is the contract-facing adapter used by the session manager, the payout
// dispatcher and the reconciliation worker.
type Client interface {
	SubmitStake(ctx context.Context, gameID string, player common.Address, amount uint256.Int, nonce uint64) (TxHandle, error)
	SubmitPayout(ctx context.Context, gameID string, to common.Address, amount uint256.Int, nonce uint64) (TxHandle, error)
	AwaitConfirmation(ctx context.Context, h TxHandle, timeout time.Duration) (Receipt, error)
	TxStatus(ctx context.Context, h TxHandle) (Receipt, error)
	QueryBalance(ctx context.Context, addr common.Address) (uint256.Int, error)
	Lookup(key SubmissionKey) (TxHandle, bool)
}

// classify maps transport failures into the domain taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.KindTimedOut, op+" timed out", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return domain.Wrap(domain.KindInsufficientFunds, op, err)
	case strings.Contains(msg, "execution reverted"):
		return domain.Wrap(domain.KindReverted, op, err)
	default:
		return domain.Wrap(domain.KindLedgerUnavailable, op, err)
	}
}

// ParseAddress validates a hex account identifier.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, domain.Errorf(domain.KindValidation, "invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, domain.Errorf(domain.KindValidation, "zero address")
	}
	return addr, nil
}
