package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/park285/devasur-server/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS stake_events (
    id           BIGSERIAL PRIMARY KEY,
    game_id      TEXT        NOT NULL,
    player       TEXT        NOT NULL,
    attempt      BIGINT      NOT NULL,
    status       TEXT        NOT NULL,
    amount       NUMERIC(78) NOT NULL,
    tx_hash      TEXT,
    block_ref    BIGINT,
    reason       TEXT,
    submitted_at TIMESTAMPTZ NOT NULL,
    recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stake_events_game_idx ON stake_events (game_id, player, attempt);
CREATE TABLE IF NOT EXISTS session_results (
    game_id     TEXT PRIMARY KEY,
    room_code   TEXT        NOT NULL,
    phase       TEXT        NOT NULL,
    outcome     TEXT        NOT NULL,
    reason      TEXT,
    rules       TEXT,
    rounds      INT         NOT NULL,
    pot         NUMERIC(78) NOT NULL,
    players     JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ NOT NULL
);`

// Repository writes the audit trail to Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// EnsureSchema creates the audit tables when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// RecordStake appends one transition; rows are never updated.
func (r *Repository) RecordStake(ctx context.Context, rec domain.StakeRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	var tx sql.NullString
	if rec.HasTx() {
		tx = sql.NullString{String: rec.TxHash.Hex(), Valid: true}
	}
	var block sql.NullInt64
	if rec.BlockRef > 0 {
		block = sql.NullInt64{Int64: int64(rec.BlockRef), Valid: true}
	}
	recorded := rec.UpdatedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO stake_events (
        game_id, player, attempt, status, amount, tx_hash, block_ref, reason, submitted_at, recorded_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.GameID, rec.Player.Hex(), int64(rec.Attempt), string(rec.Status), rec.Amount.Dec(),
		tx, block, nullIfEmpty(rec.Reason), rec.SubmittedAt, recorded,
	)
	return err
}

type playerRow struct {
	Address     string `json:"address"`
	Role        string `json:"role"`
	Alive       bool   `json:"alive"`
	StakeStatus string `json:"stakeStatus"`
}

// RecordSession upserts the final result of a session.
func (r *Repository) RecordSession(ctx context.Context, res SessionResult) error {
	if r == nil || r.db == nil {
		return nil
	}
	rows := make([]playerRow, len(res.Players))
	for i, p := range res.Players {
		rows[i] = playerRow{Address: p.Address.Hex(), Role: string(p.Role), Alive: p.Alive, StakeStatus: string(p.StakeStatus)}
	}
	players, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO session_results (
        game_id, room_code, phase, outcome, reason, rules, rounds, pot, players, created_at, resolved_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
      ON CONFLICT (game_id) DO UPDATE SET
        phase=EXCLUDED.phase,
        outcome=EXCLUDED.outcome,
        reason=EXCLUDED.reason,
        rounds=EXCLUDED.rounds,
        pot=EXCLUDED.pot,
        players=EXCLUDED.players,
        resolved_at=EXCLUDED.resolved_at`,
		res.GameID, res.RoomCode, string(res.Phase), string(res.Outcome), nullIfEmpty(res.Reason), res.Rules,
		res.Rounds, res.Pot.Dec(), string(players), res.CreatedAt, res.ResolvedAt,
	)
	return err
}

// StakeEvent is one row of the stake trail.
type StakeEvent struct {
	Player     string
	Attempt    uint64
	Status     string
	Amount     string
	TxHash     string
	Reason     string
	RecordedAt time.Time
}

// StakeTrail returns the transitions of one game in insertion order.
func (r *Repository) StakeTrail(ctx context.Context, gameID string) ([]StakeEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT player, attempt, status, amount::text, COALESCE(tx_hash,''), COALESCE(reason,''), recorded_at
        FROM stake_events WHERE game_id=$1 ORDER BY id`, strings.TrimSpace(gameID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StakeEvent
	for rows.Next() {
		var e StakeEvent
		var attempt int64
		if err := rows.Scan(&e.Player, &attempt, &e.Status, &e.Amount, &e.TxHash, &e.Reason, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Attempt = uint64(attempt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }
