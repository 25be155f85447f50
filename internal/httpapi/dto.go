package httpapi

import (
	"time"

	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/game"
	"github.com/park285/devasur-server/internal/session"
	"github.com/park285/devasur-server/pkg/stakingdto"
)

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func stakeDTO(r domain.StakeRecord) stakingdto.StakeRecord {
	out := stakingdto.StakeRecord{
		GameID:        r.GameID,
		PlayerAddress: r.Player.Hex(),
		Amount:        r.Amount.Dec(),
		Attempt:       r.Attempt,
		Status:        string(r.Status),
		BlockRef:      r.BlockRef,
		Reason:        r.Reason,
		SubmittedAt:   r.SubmittedAt,
		ConfirmedAt:   timePtr(r.ConfirmedAt),
		UpdatedAt:     r.UpdatedAt,
	}
	if r.HasTx() {
		out.TxHash = r.TxHash.Hex()
	}
	return out
}

func stakesDTO(recs []domain.StakeRecord) []stakingdto.StakeRecord {
	out := make([]stakingdto.StakeRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, stakeDTO(r))
	}
	return out
}

// sessionDTO hides roles until the game is over.
func sessionDTO(s *game.Session) stakingdto.Session {
	out := stakingdto.Session{
		GameID:        s.GameID,
		RoomCode:      s.RoomCode,
		Phase:         string(s.Phase),
		Round:         s.Round,
		Rules:         s.Settings.Rules,
		MinPlayers:    s.Settings.MinPlayers,
		MaxPlayers:    s.Settings.MaxPlayers,
		StakeAmount:   s.Settings.StakeAmount.Dec(),
		Outcome:       string(s.Outcome),
		Reason:        s.Reason,
		PhaseDeadline: timePtr(s.PhaseDeadline),
		CreatedAt:     s.CreatedAt,
		ResolvedAt:    timePtr(s.ResolvedAt),
		Players:       make([]stakingdto.Player, 0, len(s.Players)),
	}
	reveal := s.Phase.Terminal()
	for _, p := range s.Players {
		dp := stakingdto.Player{Address: p.Address.Hex(), Alive: p.Alive, StakeStatus: string(p.StakeStatus)}
		if reveal {
			dp.Role = string(p.Role)
		}
		out.Players = append(out.Players, dp)
	}
	for _, e := range s.Eliminations {
		out.Eliminations = append(out.Eliminations, stakingdto.Elimination{Round: e.Round, Phase: string(e.Phase), Player: e.Player.Hex()})
	}
	return out
}

func summaryDTO(sum session.Summary) stakingdto.StakingSummary {
	return stakingdto.StakingSummary{
		Session:      sessionDTO(sum.Session),
		Stakes:       stakesDTO(sum.Stakes),
		ConfirmedPot: sum.ConfirmedPot.Dec(),
	}
}
