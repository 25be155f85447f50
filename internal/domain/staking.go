package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Phase is a game session lifecycle state.
type Phase string

const (
	PhaseLobby          Phase = "LOBBY"
	PhaseRoleAssignment Phase = "ROLE_ASSIGNMENT"
	PhaseNight          Phase = "NIGHT"
	PhaseDay            Phase = "DAY"
	PhaseVoting         Phase = "VOTING"
	PhaseResolved       Phase = "RESOLVED"
	PhaseCancelled      Phase = "CANCELLED"
)

func (p Phase) Terminal() bool { return p == PhaseResolved || p == PhaseCancelled }

var phaseTransitions = map[Phase][]Phase{
	PhaseLobby:          {PhaseRoleAssignment, PhaseCancelled},
	PhaseRoleAssignment: {PhaseNight, PhaseResolved},
	PhaseNight:          {PhaseDay, PhaseResolved},
	PhaseDay:            {PhaseVoting, PhaseResolved},
	PhaseVoting:         {PhaseDay, PhaseResolved},
}

// CanTransitionTo reports whether target is a legal next phase. Terminal phases have none.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, next := range phaseTransitions[p] {
		if next == target {
			return true
		}
	}
	return false
}

// InGame reports whether the phase is between role assignment and resolution.
func (p Phase) InGame() bool {
	switch p {
	case PhaseRoleAssignment, PhaseNight, PhaseDay, PhaseVoting:
		return true
	}
	return false
}

// Role is the archetype dealt at role assignment.
type Role string

const (
	RoleNone  Role = ""
	RoleAsur  Role = "ASUR"
	RoleDeva  Role = "DEVA"
	RoleManav Role = "MANAV"
)

// StakeStatus mirrors the on-chain custody state of one player's stake.
type StakeStatus string

const (
	StakeNotStaked StakeStatus = "NOT_STAKED"
	StakePending   StakeStatus = "PENDING"
	StakeConfirmed StakeStatus = "CONFIRMED"
	StakeFailed    StakeStatus = "FAILED"
	StakeRefunded  StakeStatus = "REFUNDED"
	StakeWithdrawn StakeStatus = "WITHDRAWN"
)

// Seated reports whether a stake in this status occupies a room seat.
func (s StakeStatus) Seated() bool { return s == StakePending || s == StakeConfirmed }

// Outcome records how a resolved session ended.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeAsurWin  Outcome = "ASUR_WIN"
	OutcomeManavWin Outcome = "MANAV_WIN"
	OutcomeAborted  Outcome = "ABORTED"
)

type Player struct {
	Address     common.Address
	Role        Role
	Alive       bool
	StakeStatus StakeStatus
	JoinedAt    time.Time
}

// StakeRecord is the cache's view of one stake attempt, keyed by (GameID, Player).
type StakeRecord struct {
	GameID      string
	Player      common.Address
	Amount      uint256.Int
	Attempt     uint64
	TxHash      common.Hash
	BlockRef    uint64
	Status      StakeStatus
	Reason      string
	SubmittedAt time.Time
	ConfirmedAt time.Time
	// SettledAt is set once a transfer intent accounts for the confirmed stake, or a
	// resolved session kept it in the pot.
	SettledAt time.Time
	UpdatedAt time.Time
}

func (r StakeRecord) HasTx() bool   { return r.TxHash != (common.Hash{}) }
func (r StakeRecord) Settled() bool { return !r.SettledAt.IsZero() }

// SessionConfig holds the capacity and stake bounds fixed at session creation.
type SessionConfig struct {
	MinPlayers  int
	MaxPlayers  int
	StakeAmount uint256.Int
	Rules       string
}
