package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
)

func TestQueuePreservesOrderAndFlushes(t *testing.T) {
	mem := NewMemory()
	q := NewQueue(mem, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { q.Run(ctx); close(done) }()

	p := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	for _, st := range []domain.StakeStatus{domain.StakePending, domain.StakeConfirmed, domain.StakeWithdrawn} {
		q.ObserveStake(domain.StakeRecord{GameID: "g1", Player: p, Status: st, Amount: *uint256.NewInt(1)})
	}
	_ = q.RecordSession(context.Background(), SessionResult{GameID: "g1", Phase: domain.PhaseResolved, Outcome: domain.OutcomeAsurWin})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	got := mem.Stakes()
	if len(got) != 3 || got[0].Status != domain.StakePending || got[2].Status != domain.StakeWithdrawn {
		t.Fatalf("unexpected trail: %+v", got)
	}
	if res, ok := mem.Session("g1"); !ok || res.Outcome != domain.OutcomeAsurWin {
		t.Fatalf("session result missing: %+v", res)
	}
}

// Runs only against a real database, e.g. AUDIT_TEST_DATABASE_URL=postgres://localhost/devasur_test?sslmode=disable.
func TestRepositoryRoundTrip(t *testing.T) {
	url := os.Getenv("AUDIT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("AUDIT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	repo, err := NewRepository(ctx, url)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	defer repo.Close()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	gameID := "audit-test-" + time.Now().Format("150405.000000")
	p := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	now := time.Now()
	for _, st := range []domain.StakeStatus{domain.StakePending, domain.StakeConfirmed} {
		rec := domain.StakeRecord{GameID: gameID, Player: p, Status: st, Amount: *uint256.NewInt(100), SubmittedAt: now, UpdatedAt: now}
		if err := repo.RecordStake(ctx, rec); err != nil {
			t.Fatalf("RecordStake: %v", err)
		}
	}
	trail, err := repo.StakeTrail(ctx, gameID)
	if err != nil {
		t.Fatalf("StakeTrail: %v", err)
	}
	if len(trail) != 2 || trail[1].Status != "CONFIRMED" || trail[0].Amount != "100" {
		t.Fatalf("unexpected trail: %+v", trail)
	}
	res := SessionResult{GameID: gameID, RoomCode: "DV-TEST00", Phase: domain.PhaseCancelled, Pot: *uint256.NewInt(100), CreatedAt: now, ResolvedAt: now,
		Players: []PlayerResult{{Address: p, StakeStatus: domain.StakeRefunded}}}
	if err := repo.RecordSession(ctx, res); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if err := repo.RecordSession(ctx, res); err != nil {
		t.Fatalf("RecordSession upsert: %v", err)
	}
}
