package game

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
)

const bpsDenominator = 10_000

// Split is the division of a resolved pot. PerWinner*len(winners) + Fee == Pot.
type Split struct {
	Pot       uint256.Int
	HouseCut  uint256.Int
	PerWinner uint256.Int
	Remainder uint256.Int
	// Fee is HouseCut plus Remainder, paid to the fee recipient.
	Fee uint256.Int
}

// SplitPot divides stake*seats among winners after the house cut. The integer remainder
// goes to the fee recipient; with no winners the whole pot does.
func SplitPot(stake uint256.Int, seats int, houseCutBps uint64, winners int) (Split, error) {
	var s Split
	if seats < 0 || winners < 0 {
		return s, domain.Errorf(domain.KindValidation, "negative seat or winner count")
	}
	if houseCutBps > bpsDenominator {
		return s, domain.Errorf(domain.KindInvalidConfig, "house cut %d bps exceeds %d", houseCutBps, bpsDenominator)
	}
	if _, overflow := s.Pot.MulOverflow(&stake, uint256.NewInt(uint64(seats))); overflow {
		return Split{}, domain.Errorf(domain.KindValidation, "pot overflows")
	}
	// pot <= 2^256/bps is not guaranteed, so divide before multiplying when needed
	var cut uint256.Int
	if _, overflow := cut.MulOverflow(&s.Pot, uint256.NewInt(houseCutBps)); overflow {
		var q, r uint256.Int
		q.Div(&s.Pot, uint256.NewInt(bpsDenominator))
		r.Mod(&s.Pot, uint256.NewInt(bpsDenominator))
		q.Mul(&q, uint256.NewInt(houseCutBps))
		r.Mul(&r, uint256.NewInt(houseCutBps))
		r.Div(&r, uint256.NewInt(bpsDenominator))
		s.HouseCut.Add(&q, &r)
	} else {
		s.HouseCut.Div(&cut, uint256.NewInt(bpsDenominator))
	}
	var dist uint256.Int
	dist.Sub(&s.Pot, &s.HouseCut)
	if winners == 0 {
		s.Remainder = dist
	} else {
		w := uint256.NewInt(uint64(winners))
		s.PerWinner.Div(&dist, w)
		s.Remainder.Mod(&dist, w)
	}
	s.Fee.Add(&s.HouseCut, &s.Remainder)
	return s, nil
}

// IntentKind distinguishes the ledger transfers a session can request.
type IntentKind string

const (
	IntentPayout IntentKind = "payout"
	IntentRefund IntentKind = "refund"
	IntentFee    IntentKind = "fee"
)

// Intent is a transfer the session wants executed. The session never performs it.
// Nonce disambiguates transfers to the same address within one game.
type Intent struct {
	Kind   IntentKind
	GameID string
	To     common.Address
	Amount uint256.Int
	Nonce  uint64
	Reason string
}

const (
	nonceSettle   uint64 = 0
	nonceFee      uint64 = 1 << 32
	nonceRecovery uint64 = 2 << 32
)

// RecoveryRefund returns the stake of a player whose session is no longer known. Its nonce
// band is disjoint from the transfers a live session requests.
func RecoveryRefund(gameID string, to common.Address, amount uint256.Int, reason string) Intent {
	return Intent{Kind: IntentRefund, GameID: gameID, To: to, Amount: amount, Nonce: nonceRecovery, Reason: reason}
}
