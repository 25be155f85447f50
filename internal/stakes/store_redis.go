package stakes

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/redis/go-redis/v9"
)

const ttlStake = 7 * 24 * time.Hour

// RedisStore mirrors stake records into Redis so pending stakes survive a restart.
// Layout: stake:<gameID> is a hash of "<player>:<attempt>" -> JSON; stake:games indexes game ids.
type RedisStore struct{ rdb *redis.Client }

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

// Dial opens and pings a client for a redis:// or rediss:// URL.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required for the stake store")
	}
	opts, err := parseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if db, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("redis db %q: %w", p, err)
		}
	}
	pass, _ := u.User.Password()
	opts := &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func (s *RedisStore) keyGame(gameID string) string { return "stake:" + strings.TrimSpace(gameID) }
func (s *RedisStore) keyGames() string             { return "stake:games" }

type storedRecord struct {
	GameID      string    `json:"gameId"`
	Player      string    `json:"player"`
	Amount      string    `json:"amount"`
	Attempt     uint64    `json:"attempt"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockRef    uint64    `json:"blockRef,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	ConfirmedAt time.Time `json:"confirmedAt,omitempty"`
	SettledAt   time.Time `json:"settledAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toStored(r domain.StakeRecord) storedRecord {
	out := storedRecord{
		GameID:      r.GameID,
		Player:      r.Player.Hex(),
		Amount:      r.Amount.Dec(),
		Attempt:     r.Attempt,
		BlockRef:    r.BlockRef,
		Status:      string(r.Status),
		Reason:      r.Reason,
		SubmittedAt: r.SubmittedAt,
		ConfirmedAt: r.ConfirmedAt,
		SettledAt:   r.SettledAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.HasTx() {
		out.TxHash = r.TxHash.Hex()
	}
	return out
}

func (s storedRecord) record() (domain.StakeRecord, error) {
	if !common.IsHexAddress(s.Player) {
		return domain.StakeRecord{}, fmt.Errorf("stored stake has bad player %q", s.Player)
	}
	amt, err := uint256.FromDecimal(s.Amount)
	if err != nil {
		return domain.StakeRecord{}, fmt.Errorf("stored stake amount %q: %w", s.Amount, err)
	}
	r := domain.StakeRecord{
		GameID:      s.GameID,
		Player:      common.HexToAddress(s.Player),
		Amount:      *amt,
		Attempt:     s.Attempt,
		BlockRef:    s.BlockRef,
		Status:      domain.StakeStatus(s.Status),
		Reason:      s.Reason,
		SubmittedAt: s.SubmittedAt,
		ConfirmedAt: s.ConfirmedAt,
		SettledAt:   s.SettledAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.TxHash != "" {
		r.TxHash = common.HexToHash(s.TxHash)
	}
	return r, nil
}

func field(r domain.StakeRecord) string {
	return fmt.Sprintf("%s:%d", r.Player.Hex(), r.Attempt)
}

func (s *RedisStore) Save(ctx context.Context, rec domain.StakeRecord) error {
	raw, err := json.Marshal(toStored(rec))
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.keyGame(rec.GameID), field(rec), raw)
	pipe.Expire(ctx, s.keyGame(rec.GameID), ttlStake)
	pipe.SAdd(ctx, s.keyGames(), rec.GameID)
	pipe.Expire(ctx, s.keyGames(), ttlStake)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadGame returns every stored attempt of one game.
func (s *RedisStore) LoadGame(ctx context.Context, gameID string) ([]domain.StakeRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keyGame(gameID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.StakeRecord, 0, len(vals))
	for f, raw := range vals {
		var sr storedRecord
		if err := json.Unmarshal([]byte(raw), &sr); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", gameID, f, err)
		}
		rec, err := sr.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]domain.StakeRecord, error) {
	games, err := s.rdb.SMembers(ctx, s.keyGames()).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.StakeRecord
	for _, g := range games {
		recs, err := s.LoadGame(ctx, g)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			_ = s.rdb.SRem(ctx, s.keyGames(), g).Err()
			continue
		}
		out = append(out, recs...)
	}
	return out, nil
}
