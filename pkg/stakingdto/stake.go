package stakingdto

import "time"

// Amounts are base-10 strings in the token's smallest unit; addresses and hashes are 0x hex.

type StakeRequest struct {
	GameID        string `json:"gameId"`
	PlayerAddress string `json:"playerAddress"`
	RoomCode      string `json:"roomCode"`
}

type StakeRecord struct {
	GameID        string     `json:"gameId"`
	PlayerAddress string     `json:"playerAddress"`
	Amount        string     `json:"amount"`
	Attempt       uint64     `json:"attempt"`
	Status        string     `json:"status"`
	TxHash        string     `json:"txHash,omitempty"`
	BlockRef      uint64     `json:"blockRef,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	SubmittedAt   time.Time  `json:"submittedAt"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type Balance struct {
	PlayerAddress string `json:"playerAddress"`
	Balance       string `json:"balance"`
}
