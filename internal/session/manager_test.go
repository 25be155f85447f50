package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/audit"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/game"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/park285/devasur-server/internal/notify"
	"github.com/park285/devasur-server/internal/stakes"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var feeAddr = common.HexToAddress("0x00000000000000000000000000000000000000fe")

type harness struct {
	mgr    *Manager
	led    *ledger.MemLedger
	cache  *stakes.Cache
	disp   *Dispatcher
	notes  *notify.Memory
	audits *audit.Memory
}

func player(i int) common.Address {
	return common.HexToAddress(fmt.Sprintf("0x%040x", 0xa000+i))
}

func newHarness(t *testing.T, minP, maxP int, client ledger.Client, led *ledger.MemLedger) *harness {
	t.Helper()
	return newHarnessWithCache(t, minP, maxP, client, led, stakes.New())
}

func newHarnessWithCache(t *testing.T, minP, maxP int, client ledger.Client, led *ledger.MemLedger, cache *stakes.Cache) *harness {
	t.Helper()
	if led == nil {
		led = ledger.NewMemLedger(ledger.WithAutoConfirmPayouts())
	}
	if client == nil {
		client = led
	}
	for i := 0; i < 32; i++ {
		led.SetBalance(player(i), 1_000)
	}
	h := &harness{led: led, cache: cache, notes: &notify.Memory{}, audits: audit.NewMemory()}
	h.disp = NewDispatcher(client, h.cache, h.notes, WithWorkers(2), WithConfirmTimeout(time.Second), WithRetry(2, func(int) time.Duration { return time.Millisecond }))
	h.mgr = NewManager(Deps{Ledger: client, Cache: h.cache, Dispatcher: h.disp, Notifier: h.notes, Auditor: h.audits}, Options{
		Defaults:       domain.SessionConfig{MinPlayers: minP, MaxPlayers: maxP, StakeAmount: *uint256.NewInt(100)},
		HouseCutBps:    500,
		FeeRecipient:   feeAddr,
		ConfirmTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.disp.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.mgr.Close()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) phase(gameID string) domain.Phase {
	s, _ := h.mgr.GetSession(gameID)
	return s.Phase
}

func (h *harness) stakeAll(t *testing.T, s *game.Session, n int) []domain.StakeRecord {
	t.Helper()
	var out []domain.StakeRecord
	for i := 0; i < n; i++ {
		rec, err := h.mgr.StakeForGame(context.Background(), s.GameID, player(i).Hex(), s.RoomCode)
		if err != nil {
			t.Fatalf("StakeForGame %d: %v", i, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t, 4, 6, nil, nil)
	if _, err := h.mgr.CreateSession(CreateRequest{StakeAmount: uint256.NewInt(0)}); !domain.IsKind(err, domain.KindInvalidConfig) {
		t.Fatalf("zero stake: %v", err)
	}
	if _, err := h.mgr.CreateSession(CreateRequest{MinPlayers: 8, MaxPlayers: 5}); !domain.IsKind(err, domain.KindInvalidConfig) {
		t.Fatalf("min > max: %v", err)
	}
	s, err := h.mgr.CreateSession(CreateRequest{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(s.RoomCode, "DV-") || len(s.RoomCode) != 9 {
		t.Fatalf("bad room code %q", s.RoomCode)
	}
	byCode, ok := h.mgr.GetSession(strings.ToLower(s.RoomCode))
	if !ok || byCode.GameID != s.GameID {
		t.Fatalf("lookup by room code failed")
	}
}

func TestStakeRequestValidation(t *testing.T) {
	h := newHarness(t, 3, 4, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	ctx := context.Background()

	if _, err := h.mgr.StakeForGame(ctx, s.GameID, "not-an-address", s.RoomCode); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("bad address: %v", err)
	}
	if _, err := h.mgr.StakeForGame(ctx, s.GameID, player(0).Hex(), "DV-WRONG1"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("wrong code: %v", err)
	}
	if _, err := h.mgr.StakeForGame(ctx, "missing", player(0).Hex(), s.RoomCode); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("missing session: %v", err)
	}
	poor := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	if _, err := h.mgr.StakeForGame(ctx, s.GameID, poor.Hex(), s.RoomCode); !domain.IsKind(err, domain.KindInsufficientFunds) {
		t.Fatalf("insufficient funds: %v", err)
	}
	if _, ok := h.cache.Get(s.GameID, poor); ok {
		t.Fatalf("rejected pre-flight must not create a record")
	}
	if _, err := h.mgr.StakeForGame(ctx, s.GameID, player(0).Hex(), s.RoomCode); err != nil {
		t.Fatalf("StakeForGame: %v", err)
	}
	if _, err := h.mgr.StakeForGame(ctx, s.GameID, player(0).Hex(), s.RoomCode); !domain.IsKind(err, domain.KindAlreadyJoined) {
		t.Fatalf("second stake: %v", err)
	}
}

func TestConcurrentStakesForLastSeat(t *testing.T) {
	h := newHarness(t, 3, 3, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	h.stakeAll(t, s, 2)

	const racers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, full := 0, 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.mgr.StakeForGame(context.Background(), s.GameID, player(10+i).Hex(), s.RoomCode)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case domain.IsKind(err, domain.KindRoomFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || full != racers-1 {
		t.Fatalf("expected 1 success and %d ROOM_FULL, got %d and %d", racers-1, wins, full)
	}
	got, _ := h.mgr.GetSession(s.GameID)
	if len(got.Players) != 3 {
		t.Fatalf("seat count exceeded: %d", len(got.Players))
	}
}

func TestConfirmedStakesAutoStart(t *testing.T) {
	h := newHarness(t, 4, 6, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	recs := h.stakeAll(t, s, 4)
	for i, r := range recs {
		if r.Status != domain.StakePending || !r.HasTx() {
			t.Fatalf("stake %d: %+v", i, r)
		}
	}
	if h.phase(s.GameID) != domain.PhaseLobby {
		t.Fatalf("started before confirmations")
	}
	for _, r := range recs {
		h.led.Confirm(r.TxHash)
	}
	waitFor(t, "auto start", func() bool { return h.phase(s.GameID).InGame() })

	got, _ := h.mgr.GetSession(s.GameID)
	asur := 0
	for _, p := range got.Players {
		if p.Role == domain.RoleAsur {
			asur++
		}
	}
	if asur != 1 {
		t.Fatalf("expected exactly one ASUR, got %d", asur)
	}
	rec, _ := h.cache.Get(s.GameID, player(0))
	if rec.Status != domain.StakeConfirmed || rec.TxHash != recs[0].TxHash {
		t.Fatalf("confirmed record: %+v", rec)
	}
	waitFor(t, "start notices", func() bool { return h.notes.Count(notify.KindSessionStarted) == 4 })
}

func TestRevertedStakeReleasesSeat(t *testing.T) {
	h := newHarness(t, 3, 3, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	recs := h.stakeAll(t, s, 1)
	h.led.Revert(recs[0].TxHash, "paused")
	waitFor(t, "seat release", func() bool {
		got, _ := h.mgr.GetSession(s.GameID)
		return len(got.Players) == 0
	})
	if h.phase(s.GameID) != domain.PhaseLobby {
		t.Fatalf("session must stay in LOBBY")
	}
	waitFor(t, "revert notice", func() bool { return h.notes.Count(notify.KindStakeReverted) == 1 })
}

func TestLedgerOutageFailsStake(t *testing.T) {
	led := ledger.NewMemLedger(ledger.WithAutoConfirmPayouts())
	h := newHarness(t, 3, 3, nil, led)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	led.SetUnavailable(true)
	if _, err := h.mgr.StakeForGame(context.Background(), s.GameID, player(0).Hex(), s.RoomCode); !domain.IsKind(err, domain.KindLedgerUnavailable) {
		t.Fatalf("expected LEDGER_UNAVAILABLE, got %v", err)
	}
	if _, ok := h.cache.Get(s.GameID, player(0)); ok {
		t.Fatalf("pre-flight failure must not record a stake")
	}
}

func TestSubmitTimeoutReturnsPending(t *testing.T) {
	led := ledger.NewMemLedger(ledger.WithLatency(150 * time.Millisecond))
	client := ledger.NewBounded(led, 20*time.Millisecond)
	h := newHarness(t, 3, 3, client, led)
	s, _ := h.mgr.CreateSession(CreateRequest{})

	rec, err := h.mgr.StakeForGame(context.Background(), s.GameID, player(0).Hex(), s.RoomCode)
	if err != nil {
		t.Fatalf("timeout must not fail the request: %v", err)
	}
	if rec.Status != domain.StakePending || rec.HasTx() {
		t.Fatalf("expected PENDING without tx, got %+v", rec)
	}
	got, _ := h.mgr.GetSession(s.GameID)
	if len(got.Players) != 1 {
		t.Fatalf("seat should stay reserved")
	}
	key := ledger.SubmissionKey{Kind: ledger.KindStake, GameID: s.GameID, Player: player(0)}
	waitFor(t, "late submission", func() bool { _, ok := led.Lookup(key); return ok })
}

func playToManavWin(t *testing.T, h *harness, gameID string) *game.Session {
	t.Helper()
	s, _ := h.mgr.GetSession(gameID)
	var asur, deva common.Address
	var manav []common.Address
	for _, p := range s.Players {
		switch p.Role {
		case domain.RoleAsur:
			asur = p.Address
		case domain.RoleDeva:
			deva = p.Address
		default:
			manav = append(manav, p.Address)
		}
	}
	if _, err := h.mgr.NightKill(gameID, asur.Hex(), manav[0].Hex()); err != nil {
		t.Fatalf("NightKill: %v", err)
	}
	if _, err := h.mgr.NightProtect(gameID, deva.Hex(), manav[0].Hex()); err != nil {
		t.Fatalf("NightProtect: %v", err)
	}
	if _, err := h.mgr.Advance(gameID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	var last *game.Session
	for _, p := range s.Players {
		target := asur
		if p.Address == asur {
			target = manav[0]
		}
		var err error
		if last, err = h.mgr.Vote(gameID, p.Address.Hex(), target.Hex()); err != nil {
			t.Fatalf("Vote: %v", err)
		}
	}
	return last
}

func TestResolvedSessionPaysWinners(t *testing.T) {
	h := newHarness(t, 4, 4, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	for _, r := range h.stakeAll(t, s, 4) {
		h.led.Confirm(r.TxHash)
	}
	waitFor(t, "auto start", func() bool { return h.phase(s.GameID) == domain.PhaseNight })

	final := playToManavWin(t, h, s.GameID)
	if final.Phase != domain.PhaseResolved || final.Outcome != domain.OutcomeManavWin {
		t.Fatalf("unexpected end: %s %s", final.Phase, final.Outcome)
	}
	h.disp.Idle()

	paid := h.led.Payouts()
	var total uint256.Int
	for addr, amt := range paid {
		total.Add(&total, &amt)
		if addr == feeAddr {
			if amt.Uint64() != 22 {
				t.Fatalf("fee %s, want 22", amt.Dec())
			}
			continue
		}
		if amt.Uint64() != 126 {
			t.Fatalf("winner %s paid %s, want 126", addr.Hex(), amt.Dec())
		}
	}
	if len(paid) != 4 || total.Uint64() != 400 {
		t.Fatalf("payouts %v total %s", paid, total.Dec())
	}
	withdrawn := 0
	for _, r := range h.cache.ListGame(s.GameID) {
		if r.Status == domain.StakeWithdrawn {
			withdrawn++
		}
	}
	if withdrawn != 3 {
		t.Fatalf("expected 3 WITHDRAWN records, got %d", withdrawn)
	}
	for _, r := range h.cache.ListGame(s.GameID) {
		if r.Status == domain.StakeConfirmed && !r.Settled() {
			t.Fatalf("stake kept in the pot must be settled: %+v", r)
		}
	}
	if n := h.mgr.RecoverOrphans(); n != 0 {
		t.Fatalf("recovery must not refund stakes a resolved session accounted for, queued %d", n)
	}
	if res, ok := h.audits.Session(s.GameID); !ok || res.Outcome != domain.OutcomeManavWin {
		t.Fatalf("session result not audited")
	}
	if _, ok := h.mgr.GetSession(s.RoomCode); ok {
		t.Fatalf("room code should be released after resolution")
	}
	if _, err := h.mgr.Vote(s.GameID, player(0).Hex(), player(1).Hex()); !domain.IsKind(err, domain.KindInvalidPhase) {
		t.Fatalf("resolved session must be immutable, got %v", err)
	}
}

func TestCancelRefundsIncludingLateConfirm(t *testing.T) {
	h := newHarness(t, 3, 5, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	recs := h.stakeAll(t, s, 2)
	h.led.Confirm(recs[0].TxHash)
	waitFor(t, "first confirm", func() bool {
		r, _ := h.cache.Get(s.GameID, player(0))
		return r.Status == domain.StakeConfirmed
	})

	got, err := h.mgr.Cancel(s.GameID, "")
	if err != nil || got.Phase != domain.PhaseCancelled {
		t.Fatalf("Cancel: %v %s", err, got.Phase)
	}
	h.led.Confirm(recs[1].TxHash)
	waitFor(t, "both refunded", func() bool {
		a, _ := h.cache.Get(s.GameID, player(0))
		b, _ := h.cache.Get(s.GameID, player(1))
		return a.Status == domain.StakeRefunded && b.Status == domain.StakeRefunded
	})
	paid := h.led.Payouts()
	if a := paid[player(0)]; a.Uint64() != 100 {
		t.Fatalf("refund p0 = %s", a.Dec())
	}
	if _, err := h.mgr.Start(s.GameID); !domain.IsKind(err, domain.KindInvalidPhase) {
		t.Fatalf("start after cancel: %v", err)
	}
}

func TestAbortRefundsRunningGame(t *testing.T) {
	h := newHarness(t, 3, 3, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	if _, err := h.mgr.Abort(s.GameID, ""); !domain.IsKind(err, domain.KindInvalidPhase) {
		t.Fatalf("abort in LOBBY: %v", err)
	}
	for _, r := range h.stakeAll(t, s, 3) {
		h.led.Confirm(r.TxHash)
	}
	waitFor(t, "start", func() bool { return h.phase(s.GameID).InGame() })
	if _, err := h.mgr.Cancel(s.GameID, "nope"); !domain.IsKind(err, domain.KindInvalidPhase) {
		t.Fatalf("cancel mid-game: %v", err)
	}
	got, err := h.mgr.Abort(s.GameID, "operator")
	if err != nil || got.Outcome != domain.OutcomeAborted {
		t.Fatalf("Abort: %v %s", err, got.Outcome)
	}
	h.disp.Idle()
	for i := 0; i < 3; i++ {
		if r, _ := h.cache.Get(s.GameID, player(i)); r.Status != domain.StakeRefunded {
			t.Fatalf("player %d: %s", i, r.Status)
		}
	}
}

func TestLobbyDeadlineViaTick(t *testing.T) {
	h := newHarness(t, 3, 3, nil, nil)
	h.mgr.opts.Timeouts.Lobby = time.Minute
	s, _ := h.mgr.CreateSession(CreateRequest{})
	h.mgr.Tick(time.Now())
	if h.phase(s.GameID) != domain.PhaseLobby {
		t.Fatalf("cancelled before deadline")
	}
	h.mgr.Tick(time.Now().Add(2 * time.Minute))
	if h.phase(s.GameID) != domain.PhaseCancelled {
		t.Fatalf("expected CANCELLED after lobby deadline")
	}
	if len(h.mgr.ListActive()) != 0 {
		t.Fatalf("cancelled session listed as active")
	}
	h.mgr.Tick(time.Now().Add(48 * time.Hour))
	if _, ok := h.mgr.GetSession(s.GameID); ok {
		t.Fatalf("terminal session not pruned after retention")
	}
}

func TestSummaryTotals(t *testing.T) {
	h := newHarness(t, 3, 5, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	recs := h.stakeAll(t, s, 2)
	h.led.Confirm(recs[0].TxHash)
	waitFor(t, "confirm", func() bool {
		r, _ := h.cache.Get(s.GameID, player(0))
		return r.Status == domain.StakeConfirmed
	})
	sum, err := h.mgr.Summary(s.GameID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(sum.Stakes) != 2 || sum.ConfirmedPot.Uint64() != 100 {
		t.Fatalf("unexpected summary: %d stakes, pot %s", len(sum.Stakes), sum.ConfirmedPot.Dec())
	}
	if _, err := h.mgr.Stake(s.GameID, player(3).Hex()); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

// restoredCache returns a cache loaded from a Redis store holding recs, as after a restart.
func restoredCache(t *testing.T, recs ...domain.StakeRecord) *stakes.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := stakes.NewRedisStore(rdb)
	ctx := context.Background()
	for _, r := range recs {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	cache := stakes.New(stakes.WithStore(store))
	if _, err := cache.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return cache
}

func TestRestoredStakeConfirmingWithoutSessionIsRefunded(t *testing.T) {
	led := ledger.NewMemLedger(ledger.WithAutoConfirmPayouts())
	led.SetBalance(player(0), 1_000)
	sub, err := led.SubmitStake(context.Background(), "lost-game", player(0), *uint256.NewInt(100), 0)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	cache := restoredCache(t, domain.StakeRecord{
		GameID: "lost-game", Player: player(0), Amount: *uint256.NewInt(100),
		TxHash: sub.Hash, Status: domain.StakePending, SubmittedAt: now, UpdatedAt: now,
	})
	h := newHarnessWithCache(t, 3, 3, nil, led, cache)
	if n := h.mgr.RecoverOrphans(); n != 0 {
		t.Fatalf("pending stakes are left to reconciliation, queued %d", n)
	}

	led.Confirm(sub.Hash)
	if _, err := h.cache.MarkConfirmed("lost-game", player(0), sub.Hash, 1); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	h.disp.Idle()

	rec, _ := h.cache.Get("lost-game", player(0))
	if rec.Status != domain.StakeRefunded {
		t.Fatalf("confirmed stake without a session must be refunded, got %s", rec.Status)
	}
	if paid := h.led.Payouts()[player(0)]; paid.Uint64() != 100 {
		t.Fatalf("refund = %s, want 100", paid.Dec())
	}
}

func TestRecoverOrphansRefundsOnlyUnsettledStakes(t *testing.T) {
	now := time.Now()
	stake := *uint256.NewInt(100)
	cache := restoredCache(t,
		domain.StakeRecord{GameID: "lost-lobby", Player: player(1), Amount: stake, Attempt: 2, TxHash: common.HexToHash("0x11"), Status: domain.StakeConfirmed, SubmittedAt: now, ConfirmedAt: now, UpdatedAt: now},
		domain.StakeRecord{GameID: "old-game", Player: player(2), Amount: stake, TxHash: common.HexToHash("0x22"), Status: domain.StakeConfirmed, SubmittedAt: now, ConfirmedAt: now, SettledAt: now, UpdatedAt: now},
		domain.StakeRecord{GameID: "old-game", Player: player(3), Amount: stake, TxHash: common.HexToHash("0x33"), Status: domain.StakeWithdrawn, SubmittedAt: now, ConfirmedAt: now, SettledAt: now, UpdatedAt: now},
	)
	h := newHarnessWithCache(t, 3, 3, nil, nil, cache)

	if n := h.mgr.RecoverOrphans(); n != 1 {
		t.Fatalf("expected one recovery refund, got %d", n)
	}
	if n := h.mgr.RecoverOrphans(); n != 0 {
		t.Fatalf("a stake must be claimed once, second pass queued %d", n)
	}
	h.disp.Idle()

	if r, _ := h.cache.Get("lost-lobby", player(1)); r.Status != domain.StakeRefunded {
		t.Fatalf("orphan: %s", r.Status)
	}
	if r, _ := h.cache.Get("old-game", player(2)); r.Status != domain.StakeConfirmed {
		t.Fatalf("settled stake touched: %s", r.Status)
	}
	paid := h.led.Payouts()
	if len(paid) != 1 {
		t.Fatalf("unexpected transfers %v", paid)
	}
	if a := paid[player(1)]; a.Uint64() != 100 {
		t.Fatalf("refund = %s", a.Dec())
	}
}

func TestLateConfirmAfterPruneIsRefunded(t *testing.T) {
	h := newHarness(t, 3, 5, nil, nil)
	s, _ := h.mgr.CreateSession(CreateRequest{})
	recs := h.stakeAll(t, s, 1)
	if _, err := h.mgr.Cancel(s.GameID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.mgr.Tick(time.Now().Add(48 * time.Hour))
	if _, ok := h.mgr.GetSession(s.GameID); ok {
		t.Fatalf("session not pruned")
	}

	h.led.Confirm(recs[0].TxHash)
	waitFor(t, "orphan refund", func() bool {
		r, _ := h.cache.Get(s.GameID, player(0))
		return r.Status == domain.StakeRefunded
	})
	if a := h.led.Payouts()[player(0)]; a.Uint64() != 100 {
		t.Fatalf("refund = %s", a.Dec())
	}
}

func TestDispatcherStopLogsUnexecutedIntents(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	led := ledger.NewMemLedger(ledger.WithAutoConfirmPayouts())
	disp := NewDispatcher(led, stakes.New(), nil, WithDispatcherLogger(zap.New(core)))

	disp.Enqueue("DV-AAAAAA",
		game.RecoveryRefund("g1", player(0), *uint256.NewInt(100), "test"),
		game.RecoveryRefund("g1", player(1), *uint256.NewInt(100), "test"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	disp.Run(ctx)
	disp.Idle()
	if n := logs.FilterMessage("transfer_manual_reconciliation").Len(); n != 2 {
		t.Fatalf("expected both queued intents logged, got %d", n)
	}

	disp.Enqueue("", game.RecoveryRefund("g1", player(2), *uint256.NewInt(100), "test"))
	disp.Idle()
	if n := logs.FilterMessage("transfer_manual_reconciliation").Len(); n != 3 {
		t.Fatalf("intent enqueued after stop must be logged, got %d", n)
	}
	if paid := led.Payouts(); len(paid) != 0 {
		t.Fatalf("stopped dispatcher moved funds: %v", paid)
	}
}
