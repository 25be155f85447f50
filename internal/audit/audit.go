package audit

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"go.uber.org/zap"
)

// PlayerResult is one seat of a finished session.
type PlayerResult struct {
	Address     common.Address
	Role        domain.Role
	Alive       bool
	StakeStatus domain.StakeStatus
}

// SessionResult is the final record of a session that reached RESOLVED or CANCELLED.
type SessionResult struct {
	GameID     string
	RoomCode   string
	Phase      domain.Phase
	Outcome    domain.Outcome
	Reason     string
	Rules      string
	Rounds     int
	Pot        uint256.Int
	Players    []PlayerResult
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// Recorder persists the audit trail.
type Recorder interface {
	RecordStake(ctx context.Context, rec domain.StakeRecord) error
	RecordSession(ctx context.Context, res SessionResult) error
}

type Nop struct{}

func (Nop) RecordStake(context.Context, domain.StakeRecord) error { return nil }
func (Nop) RecordSession(context.Context, SessionResult) error    { return nil }

type job struct {
	stake   *domain.StakeRecord
	session *SessionResult
}

// Queue writes audit rows from a single goroutine so rows keep transition order and
// callers never wait on the database.
type Queue struct {
	inner  Recorder
	jobs   chan job
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewQueue(inner Recorder, buffer int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{inner: inner, jobs: make(chan job, buffer), logger: logger}
}

// ObserveStake matches the stake cache observer signature.
func (q *Queue) ObserveStake(rec domain.StakeRecord) { q.push(job{stake: &rec}) }

func (q *Queue) RecordStake(_ context.Context, rec domain.StakeRecord) error {
	q.push(job{stake: &rec})
	return nil
}

func (q *Queue) RecordSession(_ context.Context, res SessionResult) error {
	q.push(job{session: &res})
	return nil
}

func (q *Queue) push(j job) {
	select {
	case q.jobs <- j:
	default:
		q.logger.Error("audit_dropped", zap.Bool("session", j.session != nil))
	}
}

// Run writes jobs until ctx is done and then flushes the backlog.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	defer q.wg.Done()
	for {
		select {
		case j := <-q.jobs:
			q.write(j)
		case <-ctx.Done():
			for {
				select {
				case j := <-q.jobs:
					q.write(j)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	switch {
	case j.stake != nil:
		err = q.inner.RecordStake(ctx, *j.stake)
	case j.session != nil:
		err = q.inner.RecordSession(ctx, *j.session)
	}
	if err != nil {
		q.logger.Error("audit_write_error", zap.Error(err))
	}
}

// Memory keeps the trail in process; used when DATABASE_URL is unset and in tests.
type Memory struct {
	mu       sync.Mutex
	stakes   []domain.StakeRecord
	sessions map[string]SessionResult
}

func NewMemory() *Memory { return &Memory{sessions: make(map[string]SessionResult)} }

func (m *Memory) RecordStake(_ context.Context, rec domain.StakeRecord) error {
	m.mu.Lock()
	m.stakes = append(m.stakes, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordSession(_ context.Context, res SessionResult) error {
	m.mu.Lock()
	m.sessions[res.GameID] = res
	m.mu.Unlock()
	return nil
}

func (m *Memory) Stakes() []domain.StakeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StakeRecord(nil), m.stakes...)
}

func (m *Memory) Session(gameID string) (SessionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[gameID]
	return r, ok
}
