package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/park285/devasur-server/internal/session"
	"github.com/park285/devasur-server/internal/stakes"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	p1    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	p2    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	stake = *uint256.NewInt(100)
	cfg   = Config{Interval: time.Second, StakeTimeout: time.Minute, StakeGrace: 5 * time.Minute}
)

func setup(t *testing.T) (*clock, *ledger.MemLedger, *stakes.Cache, *Worker) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	led := ledger.NewMemLedger()
	led.SetBalance(p1, 1000)
	led.SetBalance(p2, 1000)
	cache := stakes.New(stakes.WithClock(clk.Now))
	w := New(cfg, led, cache, nil).WithClock(clk.Now)
	return clk, led, cache, w
}

func submit(t *testing.T, led *ledger.MemLedger, cache *stakes.Cache, player common.Address) ledger.TxHandle {
	t.Helper()
	rec, err := cache.RecordPending("g1", player, stake)
	if err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	h, err := led.SubmitStake(context.Background(), "g1", player, stake, rec.Attempt)
	if err != nil {
		t.Fatalf("SubmitStake: %v", err)
	}
	if _, err := cache.AttachTx("g1", player, rec.Attempt, h.Hash); err != nil {
		t.Fatalf("AttachTx: %v", err)
	}
	return h
}

func TestConfirmedButUnseen(t *testing.T) {
	clk, led, cache, w := setup(t)
	h := submit(t, led, cache, p1)
	led.Confirm(h.Hash)

	if res := w.PollOnce(context.Background()); res.Checked != 0 {
		t.Fatalf("fresh stake should not be checked: %+v", res)
	}
	clk.Advance(2 * time.Minute)
	res := w.PollOnce(context.Background())
	if res.Confirmed != 1 {
		t.Fatalf("expected one confirmation, got %+v", res)
	}
	rec, _ := cache.Get("g1", p1)
	if rec.Status != domain.StakeConfirmed || rec.TxHash != h.Hash {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDroppedWaitsForGrace(t *testing.T) {
	clk, led, cache, w := setup(t)
	h := submit(t, led, cache, p1)
	led.Drop(h.Hash)

	clk.Advance(2 * time.Minute)
	if res := w.PollOnce(context.Background()); res.Failed != 0 {
		t.Fatalf("failed before grace: %+v", res)
	}
	clk.Advance(4 * time.Minute)
	if res := w.PollOnce(context.Background()); res.Failed != 1 {
		t.Fatalf("expected failure after grace: %+v", res)
	}
	rec, _ := cache.Get("g1", p1)
	if rec.Status != domain.StakeFailed || rec.Reason != "dropped: UNKNOWN" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestMempoolStakeIsLeftAlone(t *testing.T) {
	clk, led, cache, w := setup(t)
	submit(t, led, cache, p1)
	clk.Advance(time.Hour)
	if res := w.PollOnce(context.Background()); res.Failed != 0 || res.Confirmed != 0 {
		t.Fatalf("pending tx must stay pending: %+v", res)
	}
}

func TestRevertedAndUnsubmitted(t *testing.T) {
	clk, led, cache, w := setup(t)
	h := submit(t, led, cache, p1)
	led.Revert(h.Hash, "paused")
	if _, err := cache.RecordPending("g1", p2, stake); err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	clk.Advance(2 * time.Minute)
	res := w.PollOnce(context.Background())
	if res.Failed != 1 || res.Checked != 2 {
		t.Fatalf("expected revert only: %+v", res)
	}
	if rec, _ := cache.Get("g1", p1); rec.Reason != "reverted: paused" {
		t.Fatalf("unexpected reason %q", rec.Reason)
	}
	clk.Advance(5 * time.Minute)
	w.PollOnce(context.Background())
	if rec, _ := cache.Get("g1", p2); rec.Status != domain.StakeFailed || rec.Reason != "dropped: never submitted" {
		t.Fatalf("unsubmitted stake: %+v", rec)
	}
}

func TestLedgerOutageRetriesNextPass(t *testing.T) {
	clk, led, cache, w := setup(t)
	h := submit(t, led, cache, p1)
	led.Confirm(h.Hash)
	led.SetUnavailable(true)
	clk.Advance(10 * time.Minute)
	if res := w.PollOnce(context.Background()); res.Errors != 1 {
		t.Fatalf("expected an error: %+v", res)
	}
	if rec, _ := cache.Get("g1", p1); rec.Status != domain.StakePending {
		t.Fatalf("outage must not settle the record: %s", rec.Status)
	}
	led.SetUnavailable(false)
	if res := w.PollOnce(context.Background()); res.Confirmed != 1 {
		t.Fatalf("expected confirmation after recovery: %+v", res)
	}
}

func TestPhantomStakesReleaseSeats(t *testing.T) {
	clk, led, cache, w := setup(t)
	disp := session.NewDispatcher(led, cache, nil)
	mgr := session.NewManager(session.Deps{Ledger: led, Cache: cache, Dispatcher: disp}, session.Options{
		Defaults:       domain.SessionConfig{MinPlayers: 4, MaxPlayers: 4, StakeAmount: stake},
		ConfirmTimeout: 20 * time.Millisecond,
		Now:            clk.Now,
	})
	defer mgr.Close()

	s, err := mgr.CreateSession(session.CreateRequest{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, p := range []common.Address{p1, p2} {
		rec, err := mgr.StakeForGame(context.Background(), s.GameID, p.Hex(), s.RoomCode)
		if err != nil {
			t.Fatalf("StakeForGame: %v", err)
		}
		led.Drop(rec.TxHash)
	}
	if got, _ := mgr.GetSession(s.GameID); len(got.Players) != 2 {
		t.Fatalf("expected 2 seats taken, got %d", len(got.Players))
	}

	clk.Advance(6 * time.Minute)
	if res := w.PollOnce(context.Background()); res.Failed != 2 {
		t.Fatalf("expected 2 failures, got %+v", res)
	}
	got, _ := mgr.GetSession(s.GameID)
	if got.Phase != domain.PhaseLobby || len(got.Players) != 0 {
		t.Fatalf("expected empty LOBBY, got %s with %d players", got.Phase, len(got.Players))
	}
	if _, err := mgr.StakeForGame(context.Background(), s.GameID, p1.Hex(), s.RoomCode); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if rec, _ := cache.Get(s.GameID, p1); rec.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", rec.Attempt)
	}
}
