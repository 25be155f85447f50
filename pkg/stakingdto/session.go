package stakingdto

import "time"

type Player struct {
	Address     string `json:"address"`
	Role        string `json:"role,omitempty"`
	Alive       bool   `json:"alive"`
	StakeStatus string `json:"stakeStatus"`
}

type Elimination struct {
	Round  int    `json:"round"`
	Phase  string `json:"phase"`
	Player string `json:"player"`
}

type Session struct {
	GameID        string        `json:"gameId"`
	RoomCode      string        `json:"roomCode"`
	Phase         string        `json:"phase"`
	Round         int           `json:"round"`
	Rules         string        `json:"rules"`
	MinPlayers    int           `json:"minPlayers"`
	MaxPlayers    int           `json:"maxPlayers"`
	StakeAmount   string        `json:"stakeAmount"`
	Players       []Player      `json:"players"`
	Eliminations  []Elimination `json:"eliminations,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	PhaseDeadline *time.Time    `json:"phaseDeadline,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
}

// StakingSummary is a session with the stake records of its players.
type StakingSummary struct {
	Session      Session       `json:"session"`
	Stakes       []StakeRecord `json:"stakes"`
	ConfirmedPot string        `json:"confirmedPot"`
}

type CreateSessionRequest struct {
	MinPlayers  int    `json:"minPlayers,omitempty"`
	MaxPlayers  int    `json:"maxPlayers,omitempty"`
	StakeAmount string `json:"stakeAmount,omitempty"`
	Rules       string `json:"rules,omitempty"`
}

// ActionRequest carries the actor and target of a night action or vote.
type ActionRequest struct {
	Action string `json:"action,omitempty"` // kill | protect, night only
	Actor  string `json:"actor"`
	Target string `json:"target"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}
