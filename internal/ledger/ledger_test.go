package ledger

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestGuardDeduplicatesConcurrentSubmits(t *testing.T) {
	g := NewGuard()
	key := SubmissionKey{Kind: KindStake, GameID: "g1", Player: alice, Nonce: 1}
	var calls int32
	var wg sync.WaitGroup
	results := make([]TxHandle, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := g.Do(key, func() (TxHandle, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return TxHandle{Key: key, Hash: common.HexToHash("0x01")}, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = h
		}(i)
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("expected exactly one submission, got %d", calls)
	}
	existing := 0
	for _, h := range results {
		if h.Hash != common.HexToHash("0x01") {
			t.Fatalf("unexpected hash %s", h.Hash.Hex())
		}
		if h.Existing {
			existing++
		}
	}
	if existing != len(results)-1 {
		t.Fatalf("expected %d existing handles, got %d", len(results)-1, existing)
	}
}

func TestGuardForgetsFailedSubmission(t *testing.T) {
	g := NewGuard()
	key := SubmissionKey{Kind: KindStake, GameID: "g1", Player: alice, Nonce: 1}
	if _, err := g.Do(key, func() (TxHandle, error) { return TxHandle{}, errors.New("rpc down") }); err == nil {
		t.Fatalf("expected error")
	}
	h, err := g.Do(key, func() (TxHandle, error) { return TxHandle{Key: key, Hash: common.HexToHash("0x02")}, nil })
	if err != nil || h.Existing {
		t.Fatalf("retry after failure should submit fresh: h=%+v err=%v", h, err)
	}
}

func TestMemLedgerStakeLifecycle(t *testing.T) {
	m := NewMemLedger()
	m.SetBalance(alice, 500)
	ctx := context.Background()

	if _, err := m.SubmitStake(ctx, "g1", bob, *uint256.NewInt(100), 0); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	h, err := m.SubmitStake(ctx, "g1", alice, *uint256.NewInt(100), 0)
	if err != nil {
		t.Fatalf("SubmitStake: %v", err)
	}
	again, err := m.SubmitStake(ctx, "g1", alice, *uint256.NewInt(100), 0)
	if err != nil || !again.Existing || again.Hash != h.Hash {
		t.Fatalf("resubmit should surface existing tx: %+v err=%v", again, err)
	}
	bal, _ := m.QueryBalance(ctx, alice)
	if bal.Uint64() != 400 {
		t.Fatalf("expected single debit, balance=%d", bal.Uint64())
	}

	r, _ := m.TxStatus(ctx, h)
	if r.Outcome != OutcomePending {
		t.Fatalf("expected pending, got %s", r.Outcome)
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Confirm(h.Hash)
	}()
	r, err = m.AwaitConfirmation(ctx, h, time.Second)
	if err != nil || r.Outcome != OutcomeConfirmed || r.BlockRef == 0 {
		t.Fatalf("await: %+v err=%v", r, err)
	}
}

func TestMemLedgerAwaitTimesOut(t *testing.T) {
	m := NewMemLedger()
	m.SetBalance(alice, 100)
	h, err := m.SubmitStake(context.Background(), "g1", alice, *uint256.NewInt(100), 0)
	if err != nil {
		t.Fatalf("SubmitStake: %v", err)
	}
	r, err := m.AwaitConfirmation(context.Background(), h, 10*time.Millisecond)
	if err != nil || r.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed out receipt, got %+v err=%v", r, err)
	}
}

func TestMemLedgerRevertRefundsBalance(t *testing.T) {
	m := NewMemLedger()
	m.SetBalance(alice, 100)
	ctx := context.Background()
	h, _ := m.SubmitStake(ctx, "g1", alice, *uint256.NewInt(100), 0)
	if !m.Revert(h.Hash, "paused") {
		t.Fatalf("revert failed")
	}
	if m.Confirm(h.Hash) {
		t.Fatalf("confirm after revert must be rejected")
	}
	bal, _ := m.QueryBalance(ctx, alice)
	if bal.Uint64() != 100 {
		t.Fatalf("expected refund on revert, balance=%d", bal.Uint64())
	}
}

func TestBoundedCutsOffHungCall(t *testing.T) {
	m := NewMemLedger(WithLatency(200 * time.Millisecond))
	m.SetBalance(alice, 100)
	b := NewBounded(m, 20*time.Millisecond)
	start := time.Now()
	_, err := b.SubmitStake(context.Background(), "g1", alice, *uint256.NewInt(10), 0)
	if !errors.Is(err, domain.ErrTimedOut) {
		t.Fatalf("expected TIMED_OUT, got %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Fatalf("bounded call waited for the hung submission")
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]domain.Kind{
		"insufficient funds for gas * price + value": domain.KindInsufficientFunds,
		"execution reverted: game closed":            domain.KindReverted,
		"connection refused":                         domain.KindLedgerUnavailable,
	}
	for msg, want := range cases {
		if got := domain.KindOf(classify("op", errors.New(msg))); got != want {
			t.Fatalf("classify(%q) = %s, want %s", msg, got, want)
		}
	}
	if got := domain.KindOf(classify("op", context.DeadlineExceeded)); got != domain.KindTimedOut {
		t.Fatalf("deadline should classify as TIMED_OUT, got %s", got)
	}
}

func TestPackStakeCalldata(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(stakingABI))
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	data, err := packCall(parsed, "stakeFor", "game-1", alice, *uint256.NewInt(100), 3)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(data) != 4+32*4 {
		t.Fatalf("unexpected calldata length %d", len(data))
	}
	args, err := parsed.Methods["stakeFor"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[1].(common.Address) != alice {
		t.Fatalf("player mismatch")
	}
	if args[2].(*big.Int).Uint64() != 100 || args[3].(*big.Int).Uint64() != 3 {
		t.Fatalf("amount/nonce mismatch: %v", args)
	}
	if args[0].([32]byte) != [32]byte(GameKey("game-1")) {
		t.Fatalf("game key mismatch")
	}
}

func TestPollerEmitsFinalOutcomes(t *testing.T) {
	m := NewMemLedger()
	m.SetBalance(alice, 100)
	m.SetBalance(bob, 100)
	ctx := context.Background()
	h1, _ := m.SubmitStake(ctx, "g1", alice, *uint256.NewInt(100), 0)
	h2, _ := m.SubmitStake(ctx, "g1", bob, *uint256.NewInt(100), 0)

	out := make(chan Event, 4)
	p := NewPoller(m, out, time.Second, nil)
	p.Track(h1)
	p.Track(h2)

	m.Confirm(h1.Hash)
	p.PollOnce(ctx)
	if len(out) != 1 || p.Tracked() != 1 {
		t.Fatalf("expected one event and one tracked tx, got events=%d tracked=%d", len(out), p.Tracked())
	}
	ev := <-out
	if ev.Key.Player != alice || ev.Receipt.Outcome != OutcomeConfirmed {
		t.Fatalf("unexpected event %+v", ev)
	}
	m.Revert(h2.Hash, "nope")
	p.PollOnce(ctx)
	ev = <-out
	if ev.Receipt.Outcome != OutcomeReverted || p.Tracked() != 0 {
		t.Fatalf("expected revert event, got %+v tracked=%d", ev, p.Tracked())
	}
}

func TestPollerUntrackDropsHandlesSettledElsewhere(t *testing.T) {
	m := NewMemLedger()
	m.SetBalance(alice, 100)
	m.SetBalance(bob, 100)
	ctx := context.Background()
	h1, _ := m.SubmitStake(ctx, "g1", alice, *uint256.NewInt(100), 0)
	h2, _ := m.SubmitStake(ctx, "g1", bob, *uint256.NewInt(100), 0)

	out := make(chan Event, 4)
	p := NewPoller(m, out, time.Second, nil)
	p.Track(h1)
	p.Track(h2)

	// failed as dropped by reconciliation while the tx never leaves the mempool
	p.Untrack(h1.Key)
	if p.Tracked() != 1 {
		t.Fatalf("untracked handle still polled: tracked=%d", p.Tracked())
	}
	p.Untrack(SubmissionKey{Kind: KindStake, GameID: "g1", Player: bob, Nonce: 1})
	if p.Tracked() != 1 {
		t.Fatalf("a different attempt must not untrack the current one")
	}
	p.PollOnce(ctx)
	if len(out) != 0 || p.Tracked() != 1 {
		t.Fatalf("pending tx must stay tracked without events: events=%d tracked=%d", len(out), p.Tracked())
	}
}

func TestGuardForgetsOldSubmissions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	g := NewGuard(WithGuardRetention(time.Hour), withGuardClock(clock))
	key := SubmissionKey{Kind: KindPayout, GameID: "g1", Player: alice, Nonce: 0}
	calls := 0
	submit := func() (TxHandle, error) {
		calls++
		return TxHandle{Key: key, Hash: common.HexToHash("0x01")}, nil
	}
	if _, err := g.Do(key, submit); err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Minute)
	if h, err := g.Do(key, submit); err != nil || !h.Existing || calls != 1 {
		t.Fatalf("within retention the first submission answers: existing=%v calls=%d err=%v", h.Existing, calls, err)
	}

	now = now.Add(2 * time.Hour)
	other := SubmissionKey{Kind: KindPayout, GameID: "g2", Player: bob, Nonce: 0}
	if _, err := g.Do(other, func() (TxHandle, error) { return TxHandle{Key: other}, nil }); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Lookup(key); ok || g.Len() != 1 {
		t.Fatalf("expired entry kept: len=%d", g.Len())
	}
}

func TestFeedForwardsFrames(t *testing.T) {
	frames := []FeedFrame{
		{Kind: "stake", GameID: "g1", Player: alice.Hex(), Nonce: 0, TxHash: "0xaa", Status: "pending"},
		{Kind: "stake", GameID: "g1", Player: alice.Hex(), Nonce: 0, TxHash: "0xaa", Status: "confirmed", Block: 7},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		for _, f := range frames {
			if err := wsjson.Write(r.Context(), c, f); err != nil {
				return
			}
		}
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	out := make(chan Event, 4)
	f := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), out, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case ev := <-out:
		if ev.Receipt.Outcome != OutcomeConfirmed || ev.Receipt.BlockRef != 7 || ev.Key.GameID != "g1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event from feed")
	}
}
