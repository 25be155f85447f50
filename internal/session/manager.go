package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/audit"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/game"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/park285/devasur-server/internal/notify"
	"github.com/park285/devasur-server/internal/rules"
	"github.com/park285/devasur-server/internal/stakes"
	"go.uber.org/zap"
)

// Tracker keeps watching a transaction after the submitter stopped waiting for it.
type Tracker interface {
	Track(h ledger.TxHandle)
	Untrack(key ledger.SubmissionKey)
}

type Options struct {
	Defaults       domain.SessionConfig
	Timeouts       game.Timeouts
	HouseCutBps    uint64
	FeeRecipient   common.Address
	ConfirmTimeout time.Duration
	// Retention is how long terminal sessions stay queryable.
	Retention time.Duration
	Rules     *rules.Book
	Now       func() time.Time
}

type Deps struct {
	Ledger     ledger.Client
	Cache      *stakes.Cache
	Dispatcher *Dispatcher
	// Events receives confirmation receipts; when nil they are applied to Cache directly.
	Events   chan<- ledger.Event
	Tracker  Tracker
	Notifier notify.Notifier
	Auditor  audit.Recorder
	Logger   *zap.Logger
}

// CreateRequest overrides the configured defaults. Nil/zero fields keep the default.
type CreateRequest struct {
	MinPlayers  int
	MaxPlayers  int
	StakeAmount *uint256.Int
	Rules       string
}

type entry struct {
	mu sync.Mutex
	s  *game.Session
}

// Manager owns the session table. Each session is guarded by its own mutex; the table
// lock is never held while a session lock is being acquired.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	codes    map[string]string

	deps Deps
	opts Options
	log  *zap.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func NewManager(deps Deps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Auditor == nil {
		deps.Auditor = audit.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions: make(map[string]*entry),
		codes:    make(map[string]string),
		deps:     deps,
		opts:     opts,
		log:      deps.Logger,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	deps.Cache.OnChange(m.onStakeChange)
	return m
}

// Close stops background confirmation waits.
func (m *Manager) Close() {
	m.bgCancel()
	m.bg.Wait()
}

// codeGen returns `DV-` + 6 upper alnum.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return "DV-" + string(b), nil
}

func normCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

func (m *Manager) settings(req CreateRequest) (domain.SessionConfig, rules.Preset, error) {
	cfg := m.opts.Defaults
	if req.MinPlayers != 0 {
		cfg.MinPlayers = req.MinPlayers
	}
	if req.MaxPlayers != 0 {
		cfg.MaxPlayers = req.MaxPlayers
	}
	if req.StakeAmount != nil {
		cfg.StakeAmount = *req.StakeAmount
	}
	if r := strings.TrimSpace(req.Rules); r != "" {
		cfg.Rules = r
	}
	preset := rules.Classic()
	if m.opts.Rules != nil {
		p, err := m.opts.Rules.Get(cfg.Rules)
		if err != nil {
			return cfg, preset, domain.Wrap(domain.KindInvalidConfig, "rules", err)
		}
		preset = p
	}
	cfg.Rules = preset.Name
	return cfg, preset, game.ValidateSettings(cfg)
}

// CreateSession opens a new LOBBY session with a unique room code.
func (m *Manager) CreateSession(req CreateRequest) (*game.Session, error) {
	cfg, preset, err := m.settings(req)
	if err != nil {
		return nil, err
	}
	gameID := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	var code string
	for i := 0; i < 5 && code == ""; i++ {
		c, err := codeGen()
		if err != nil {
			return nil, err
		}
		if _, taken := m.codes[c]; !taken {
			code = c
		}
	}
	if code == "" {
		return nil, fmt.Errorf("failed to allocate room code")
	}
	s, err := game.New(game.Config{
		GameID:       gameID,
		RoomCode:     code,
		Settings:     cfg,
		Preset:       preset,
		Timeouts:     m.opts.Timeouts,
		HouseCutBps:  m.opts.HouseCutBps,
		FeeRecipient: m.opts.FeeRecipient,
	}, m.opts.Now())
	if err != nil {
		return nil, err
	}
	m.sessions[gameID] = &entry{s: s}
	m.codes[code] = gameID
	m.log.Info("session_create",
		zap.String("game_id", gameID),
		zap.String("room_code", code),
		zap.Int("min_players", cfg.MinPlayers),
		zap.Int("max_players", cfg.MaxPlayers),
		zap.String("stake", cfg.StakeAmount.Dec()),
		zap.String("rules", cfg.Rules),
	)
	return s.Clone(), nil
}

func (m *Manager) lookup(idOrCode string) *entry {
	key := strings.TrimSpace(idOrCode)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sessions[key]; ok {
		return e
	}
	if id, ok := m.codes[normCode(key)]; ok {
		return m.sessions[id]
	}
	return nil
}

func (m *Manager) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e)
	}
	return out
}

// GetSession resolves a game id or an active room code.
func (m *Manager) GetSession(idOrCode string) (*game.Session, bool) {
	e := m.lookup(idOrCode)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), true
}

// List returns copies of every known session, oldest first.
func (m *Manager) List() []*game.Session {
	var out []*game.Session
	for _, e := range m.entries() {
		e.mu.Lock()
		out = append(out, e.s.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListActive returns sessions that have not reached a terminal phase.
func (m *Manager) ListActive() []*game.Session {
	all := m.List()
	out := all[:0]
	for _, s := range all {
		if !s.Phase.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// Summary is a session together with the current stake records of its players.
type Summary struct {
	Session      *game.Session
	Stakes       []domain.StakeRecord
	ConfirmedPot uint256.Int
}

func (m *Manager) Summary(gameID string) (Summary, error) {
	s, ok := m.GetSession(gameID)
	if !ok {
		return Summary{}, domain.Errorf(domain.KindNotFound, "session %s not found", gameID)
	}
	sum := Summary{Session: s, Stakes: m.deps.Cache.ListGame(s.GameID)}
	for _, r := range sum.Stakes {
		if r.Status == domain.StakeConfirmed {
			sum.ConfirmedPot.Add(&sum.ConfirmedPot, &r.Amount)
		}
	}
	return sum, nil
}

// Stake returns the current stake record of one player.
func (m *Manager) Stake(gameID, playerAddr string) (domain.StakeRecord, error) {
	player, err := ledger.ParseAddress(playerAddr)
	if err != nil {
		return domain.StakeRecord{}, err
	}
	s, ok := m.GetSession(gameID)
	if !ok {
		return domain.StakeRecord{}, domain.Errorf(domain.KindNotFound, "session %s not found", gameID)
	}
	rec, ok := m.deps.Cache.Get(s.GameID, player)
	if !ok {
		return domain.StakeRecord{}, domain.Errorf(domain.KindNotFound, "no stake for %s in %s", player.Hex(), s.GameID)
	}
	return rec, nil
}

// Balance queries the ledger balance of an address.
func (m *Manager) Balance(ctx context.Context, playerAddr string) (common.Address, uint256.Int, error) {
	player, err := ledger.ParseAddress(playerAddr)
	if err != nil {
		return common.Address{}, uint256.Int{}, err
	}
	bal, err := m.deps.Ledger.QueryBalance(ctx, player)
	return player, bal, err
}

// StakeForGame stakes for a seat. Seat check, the PENDING record and the join happen under
// the session lock, so concurrent stakes for the last seat admit exactly one. The ledger
// submission runs after the lock is released.
func (m *Manager) StakeForGame(ctx context.Context, gameID, playerAddr, roomCode string) (domain.StakeRecord, error) {
	player, err := ledger.ParseAddress(playerAddr)
	if err != nil {
		return domain.StakeRecord{}, err
	}
	e := m.lookup(gameID)
	if e == nil {
		return domain.StakeRecord{}, domain.Errorf(domain.KindNotFound, "session %s not found", gameID)
	}
	e.mu.Lock()
	id, code, phase, amount := e.s.GameID, e.s.RoomCode, e.s.Phase, e.s.Settings.StakeAmount
	e.mu.Unlock()
	if id != strings.TrimSpace(gameID) {
		return domain.StakeRecord{}, domain.Errorf(domain.KindNotFound, "session %s not found", gameID)
	}
	if normCode(roomCode) != code {
		return domain.StakeRecord{}, domain.Errorf(domain.KindValidation, "room code does not match session")
	}
	if phase != domain.PhaseLobby {
		return domain.StakeRecord{}, domain.Errorf(domain.KindInvalidPhase, "session %s is %s", id, phase)
	}

	bal, err := m.deps.Ledger.QueryBalance(ctx, player)
	if err != nil {
		return domain.StakeRecord{}, err
	}
	if bal.Lt(&amount) {
		return domain.StakeRecord{}, domain.Errorf(domain.KindInsufficientFunds, "balance %s below stake %s", bal.Dec(), amount.Dec())
	}

	var rec domain.StakeRecord
	var joinErr error
	err = func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		s := e.s
		if s.Phase != domain.PhaseLobby {
			return domain.Errorf(domain.KindInvalidPhase, "session %s is %s", id, s.Phase)
		}
		if _, seated := s.Player(player); seated {
			return domain.Errorf(domain.KindAlreadyJoined, "%s already joined %s", player.Hex(), id)
		}
		if s.SeatsLeft() <= 0 {
			return domain.Errorf(domain.KindRoomFull, "room %s is full", code)
		}
		var err error
		if rec, err = m.deps.Cache.RecordPending(id, player, amount); err != nil {
			return err
		}
		joinErr = s.Join(player, domain.StakePending, m.opts.Now())
		return joinErr
	}()
	if joinErr != nil {
		_, _ = m.deps.Cache.MarkFailed(id, player, "join rejected: "+joinErr.Error())
	}
	if err != nil {
		m.log.Info("stake_rejected", zap.String("game_id", id), zap.String("player", player.Hex()), zap.Error(err))
		return domain.StakeRecord{}, err
	}

	key := ledger.SubmissionKey{Kind: ledger.KindStake, GameID: id, Player: player, Nonce: rec.Attempt}
	h, err := m.deps.Ledger.SubmitStake(ctx, id, player, amount, rec.Attempt)
	if err != nil {
		if !domain.IsKind(err, domain.KindTimedOut) {
			m.log.Warn("stake_submit_error", zap.String("game_id", id), zap.String("player", player.Hex()), zap.Error(err))
			_, _ = m.deps.Cache.MarkFailed(id, player, "submit: "+err.Error())
			return domain.StakeRecord{}, err
		}
		// the submission may still land; reconciliation settles it either way
		m.log.Warn("stake_submit_timeout", zap.String("game_id", id), zap.String("player", player.Hex()), zap.Error(err))
		var ok bool
		if h, ok = m.deps.Ledger.Lookup(key); !ok {
			return rec, nil
		}
	}
	if r, err := m.deps.Cache.AttachTx(id, player, rec.Attempt, h.Hash); err == nil {
		rec = r
	}
	m.log.Info("stake_submitted", zap.String("game_id", id), zap.String("player", player.Hex()), zap.String("tx", h.Hash.Hex()), zap.Bool("existing", h.Existing))
	m.awaitAsync(h)
	return rec, nil
}

// awaitAsync waits for the receipt in the background and hands unresolved
// transactions to the tracker.
func (m *Manager) awaitAsync(h ledger.TxHandle) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		rc, err := m.deps.Ledger.AwaitConfirmation(m.bgCtx, h, m.opts.ConfirmTimeout)
		if err != nil || !rc.Outcome.Final() {
			m.log.Debug("stake_await_unresolved", zap.String("key", h.Key.String()), zap.String("outcome", string(rc.Outcome)), zap.Error(err))
			if m.deps.Tracker != nil {
				m.deps.Tracker.Track(h)
			}
			return
		}
		ev := ledger.Event{Key: h.Key, Receipt: rc, At: m.opts.Now()}
		if m.deps.Events == nil {
			if err := m.deps.Cache.Apply(ev); err != nil {
				m.log.Debug("stake_event_rejected", zap.String("key", h.Key.String()), zap.Error(err))
			}
			return
		}
		select {
		case m.deps.Events <- ev:
		case <-m.bgCtx.Done():
		}
	}()
}

// with runs fn under the session lock and then applies its effects.
func (m *Manager) with(idOrCode string, fn func(s *game.Session) error) (*game.Session, error) {
	e := m.lookup(idOrCode)
	if e == nil {
		return nil, domain.Errorf(domain.KindNotFound, "session %s not found", idOrCode)
	}
	return m.withEntry(e, fn)
}

func (m *Manager) withEntry(e *entry, fn func(s *game.Session) error) (*game.Session, error) {
	e.mu.Lock()
	before := e.s.Phase
	err := fn(e.s)
	notices := m.afterLocked(e.s, before)
	snap := e.s.Clone()
	e.mu.Unlock()

	for _, n := range notices {
		_ = m.deps.Notifier.Notify(m.bgCtx, n)
	}
	return snap, err
}

func (m *Manager) afterLocked(s *game.Session, before domain.Phase) []notify.Notice {
	intents := s.DrainIntents()
	m.settle(s, before, intents)
	if len(intents) > 0 {
		m.deps.Dispatcher.Enqueue(s.RoomCode, intents...)
	}
	if s.Phase == before {
		return nil
	}
	m.log.Info("session_phase",
		zap.String("game_id", s.GameID),
		zap.String("from", string(before)),
		zap.String("to", string(s.Phase)),
		zap.Int("round", s.Round),
		zap.String("outcome", string(s.Outcome)),
	)
	var kind notify.Kind
	switch {
	case before == domain.PhaseLobby && s.Phase.InGame():
		kind = notify.KindSessionStarted
	case s.Phase == domain.PhaseCancelled:
		kind = notify.KindSessionCancelled
	case s.Phase == domain.PhaseResolved:
		kind = notify.KindSessionResolved
	}
	if s.Phase.Terminal() {
		m.mu.Lock()
		if m.codes[s.RoomCode] == s.GameID {
			delete(m.codes, s.RoomCode)
		}
		m.mu.Unlock()
		_ = m.deps.Auditor.RecordSession(m.bgCtx, resultOf(s))
	}
	if kind == "" {
		return nil
	}
	reason := s.Reason
	if s.Outcome != domain.OutcomeNone {
		reason = fmt.Sprintf("%s, %s", s.Outcome, s.Reason)
	}
	out := make([]notify.Notice, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, notify.Notice{Kind: kind, GameID: s.GameID, RoomCode: s.RoomCode, Player: p.Address, Reason: reason, At: m.opts.Now()})
	}
	return out
}

// settle marks the confirmed stakes the session has accounted for: every transfer target and,
// once the session closes, every stake it kept in the pot. It runs before the intents are
// queued so a restart never refunds a stake that is already being paid out.
func (m *Manager) settle(s *game.Session, before domain.Phase, intents []game.Intent) {
	var addrs []common.Address
	for _, in := range intents {
		if in.Kind == game.IntentPayout || in.Kind == game.IntentRefund {
			addrs = append(addrs, in.To)
		}
	}
	if s.Phase.Terminal() && before != s.Phase {
		for _, p := range s.Players {
			if p.StakeStatus == domain.StakeConfirmed {
				addrs = append(addrs, p.Address)
			}
		}
	}
	for _, addr := range addrs {
		if _, err := m.deps.Cache.MarkSettled(s.GameID, addr); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			m.log.Warn("stake_settle_error", zap.String("game_id", s.GameID), zap.String("player", addr.Hex()), zap.Error(err))
		}
	}
}

func resultOf(s *game.Session) audit.SessionResult {
	res := audit.SessionResult{
		GameID:     s.GameID,
		RoomCode:   s.RoomCode,
		Phase:      s.Phase,
		Outcome:    s.Outcome,
		Reason:     s.Reason,
		Rules:      s.Settings.Rules,
		Rounds:     s.Round,
		Pot:        s.Pot(),
		CreatedAt:  s.CreatedAt,
		ResolvedAt: s.ResolvedAt,
	}
	for _, p := range s.Players {
		res.Players = append(res.Players, audit.PlayerResult{Address: p.Address, Role: p.Role, Alive: p.Alive, StakeStatus: p.StakeStatus})
	}
	return res
}

// onStakeChange feeds settled stakes back into their session.
func (m *Manager) onStakeChange(rec domain.StakeRecord) {
	if rec.Status != domain.StakePending && m.deps.Tracker != nil {
		m.deps.Tracker.Untrack(ledger.SubmissionKey{Kind: ledger.KindStake, GameID: rec.GameID, Player: rec.Player, Nonce: rec.Attempt})
	}
	if rec.Status != domain.StakeConfirmed && rec.Status != domain.StakeFailed {
		return
	}
	if rec.Settled() {
		return
	}
	e := m.lookup(rec.GameID)
	if e == nil {
		if rec.Status == domain.StakeConfirmed {
			m.refundOrphan(rec, "session no longer known")
			return
		}
		m.log.Warn("stake_orphan", zap.String("game_id", rec.GameID), zap.String("player", rec.Player.Hex()), zap.String("status", string(rec.Status)))
		return
	}
	notice := notify.Notice{GameID: rec.GameID, Player: rec.Player, Amount: rec.Amount, TxHash: rec.TxHash, Block: rec.BlockRef, Reason: rec.Reason, At: m.opts.Now()}
	_, _ = m.withEntry(e, func(s *game.Session) error {
		notice.RoomCode = s.RoomCode
		p, seated := s.Player(rec.Player)
		switch rec.Status {
		case domain.StakeConfirmed:
			notice.Kind = notify.KindStakeConfirmed
			switch {
			case s.Phase == domain.PhaseLobby && seated:
				started, err := s.ConfirmStake(rec.Player, m.opts.Now())
				if err != nil {
					return err
				}
				if started {
					m.log.Info("session_started", zap.String("game_id", s.GameID), zap.Int("players", len(s.Players)))
				}
			case s.Phase.Terminal() && (!seated || p.StakeStatus != domain.StakeConfirmed),
				s.Phase == domain.PhaseLobby && !seated:
				m.log.Warn("stake_late_confirm_refund", zap.String("game_id", s.GameID), zap.String("player", rec.Player.Hex()), zap.String("phase", string(s.Phase)))
				s.LateRefund(rec.Player, rec.Amount)
			default:
				m.log.Error("stake_confirm_unexpected", zap.String("game_id", s.GameID), zap.String("player", rec.Player.Hex()), zap.String("phase", string(s.Phase)))
			}
		case domain.StakeFailed:
			notice.Kind = notify.KindSeatReleased
			if strings.HasPrefix(rec.Reason, "reverted") {
				notice.Kind = notify.KindStakeReverted
			}
			if s.Phase == domain.PhaseLobby && seated {
				if err := s.ReleaseSeat(rec.Player); err != nil {
					return err
				}
				m.log.Info("seat_released", zap.String("game_id", s.GameID), zap.String("player", rec.Player.Hex()), zap.String("reason", rec.Reason))
			}
		}
		return nil
	})
	_ = m.deps.Notifier.Notify(m.bgCtx, notice)
}

// refundOrphan queues the refund of a confirmed stake whose session is gone. It reports
// whether this call claimed the stake.
func (m *Manager) refundOrphan(rec domain.StakeRecord, reason string) bool {
	claimed, err := m.deps.Cache.MarkSettled(rec.GameID, rec.Player)
	if err != nil || !claimed {
		if err != nil {
			m.log.Warn("stake_orphan_settle_error", zap.String("game_id", rec.GameID), zap.String("player", rec.Player.Hex()), zap.Error(err))
		}
		return false
	}
	m.log.Warn("stake_orphan_refund",
		zap.String("game_id", rec.GameID),
		zap.String("player", rec.Player.Hex()),
		zap.String("amount", rec.Amount.Dec()),
		zap.String("reason", reason),
	)
	m.deps.Dispatcher.Enqueue("", game.RecoveryRefund(rec.GameID, rec.Player, rec.Amount, reason))
	return true
}

// RecoverOrphans refunds confirmed stakes that no known session accounts for, such as
// records restored from the store after a restart. It returns the number of refunds queued.
func (m *Manager) RecoverOrphans() int {
	n := 0
	for _, rec := range m.deps.Cache.ListUnsettled() {
		if m.lookup(rec.GameID) != nil {
			continue
		}
		if m.refundOrphan(rec, "session lost on restart") {
			n++
		}
	}
	if n > 0 {
		m.log.Info("stake_orphans_recovered", zap.Int("refunds", n))
	}
	return n
}

func (m *Manager) Start(gameID string) (*game.Session, error) {
	return m.with(gameID, func(s *game.Session) error { return s.Start(m.opts.Now()) })
}

func (m *Manager) Cancel(gameID, reason string) (*game.Session, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by host"
	}
	return m.with(gameID, func(s *game.Session) error { return s.Cancel(reason, m.opts.Now()) })
}

// Abort ends a running game and refunds every stake.
func (m *Manager) Abort(gameID, reason string) (*game.Session, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "operator abort"
	}
	return m.with(gameID, func(s *game.Session) error { return s.Abort(reason, m.opts.Now()) })
}

func (m *Manager) Advance(gameID string) (*game.Session, error) {
	return m.with(gameID, func(s *game.Session) error { return s.Advance(m.opts.Now()) })
}

func parsePair(a, b string) (common.Address, common.Address, error) {
	x, err := ledger.ParseAddress(a)
	if err != nil {
		return x, common.Address{}, err
	}
	y, err := ledger.ParseAddress(b)
	return x, y, err
}

func (m *Manager) NightKill(gameID, actor, target string) (*game.Session, error) {
	a, t, err := parsePair(actor, target)
	if err != nil {
		return nil, err
	}
	return m.with(gameID, func(s *game.Session) error { return s.NightKill(a, t, m.opts.Now()) })
}

func (m *Manager) NightProtect(gameID, actor, target string) (*game.Session, error) {
	a, t, err := parsePair(actor, target)
	if err != nil {
		return nil, err
	}
	return m.with(gameID, func(s *game.Session) error { return s.NightProtect(a, t, m.opts.Now()) })
}

func (m *Manager) Vote(gameID, voter, target string) (*game.Session, error) {
	v, t, err := parsePair(voter, target)
	if err != nil {
		return nil, err
	}
	return m.with(gameID, func(s *game.Session) error { return s.Vote(v, t, m.opts.Now()) })
}

// Tick applies phase deadlines to every session and forgets terminal sessions past retention.
func (m *Manager) Tick(now time.Time) {
	for _, e := range m.entries() {
		_, _ = m.withEntry(e, func(s *game.Session) error {
			s.Tick(now)
			return nil
		})
	}
	m.prune(now)
}

func (m *Manager) prune(now time.Time) {
	var drop []string
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.s.Phase.Terminal() && now.Sub(e.s.ResolvedAt) > m.opts.Retention {
			drop = append(drop, e.s.GameID)
		}
		e.mu.Unlock()
	}
	if len(drop) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range drop {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.log.Info("session_prune", zap.Int("count", len(drop)))
}

// RunClock ticks every interval until ctx is done.
func (m *Manager) RunClock(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	m.log.Info("session_clock_start", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Tick(now)
		}
	}
}
