package game

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/rules"
)

// Timeouts are phase deadlines. Zero disables the deadline for that phase.
type Timeouts struct {
	Lobby  time.Duration
	Night  time.Duration
	Day    time.Duration
	Voting time.Duration
}

type Config struct {
	GameID       string
	RoomCode     string
	Settings     domain.SessionConfig
	Preset       rules.Preset
	Timeouts     Timeouts
	HouseCutBps  uint64
	FeeRecipient common.Address
}

// Elimination records one player removed from play.
type Elimination struct {
	Round  int
	Phase  domain.Phase
	Player common.Address
}

// Session is one game's state machine. It is not safe for concurrent use; the owner
// serialises every call.
type Session struct {
	GameID        string
	RoomCode      string
	Phase         domain.Phase
	Players       []domain.Player
	Settings      domain.SessionConfig
	CreatedAt     time.Time
	PhaseDeadline time.Time
	Round         int
	Outcome       domain.Outcome
	Reason        string
	Eliminations  []Elimination
	ResolvedAt    time.Time

	preset       rules.Preset
	timeouts     Timeouts
	houseCutBps  uint64
	feeRecipient common.Address

	kills    map[common.Address]common.Address
	protects map[common.Address]common.Address
	votes    map[common.Address]common.Address

	intents []Intent
}

// ValidateSettings rejects configurations no session can run with.
func ValidateSettings(s domain.SessionConfig) error {
	if s.StakeAmount.IsZero() {
		return domain.Errorf(domain.KindInvalidConfig, "stake amount must be positive")
	}
	if s.MinPlayers < 3 {
		return domain.Errorf(domain.KindInvalidConfig, "minPlayers must be at least 3")
	}
	if s.MinPlayers > s.MaxPlayers {
		return domain.Errorf(domain.KindInvalidConfig, "minPlayers %d exceeds maxPlayers %d", s.MinPlayers, s.MaxPlayers)
	}
	return nil
}

func New(cfg Config, now time.Time) (*Session, error) {
	if strings.TrimSpace(cfg.GameID) == "" {
		return nil, domain.Errorf(domain.KindInvalidConfig, "game id required")
	}
	if err := ValidateSettings(cfg.Settings); err != nil {
		return nil, err
	}
	if cfg.HouseCutBps > bpsDenominator {
		return nil, domain.Errorf(domain.KindInvalidConfig, "house cut %d bps exceeds %d", cfg.HouseCutBps, bpsDenominator)
	}
	if cfg.Preset.AsurParity == 0 {
		cfg.Preset = rules.Classic()
	}
	s := &Session{
		GameID:       strings.TrimSpace(cfg.GameID),
		RoomCode:     strings.TrimSpace(cfg.RoomCode),
		Phase:        domain.PhaseLobby,
		Settings:     cfg.Settings,
		CreatedAt:    now,
		preset:       cfg.Preset,
		timeouts:     cfg.Timeouts,
		houseCutBps:  cfg.HouseCutBps,
		feeRecipient: cfg.FeeRecipient,
	}
	s.PhaseDeadline = deadline(now, cfg.Timeouts.Lobby)
	return s, nil
}

func deadline(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}

func (s *Session) index(addr common.Address) int {
	for i := range s.Players {
		if s.Players[i].Address == addr {
			return i
		}
	}
	return -1
}

// Player returns a copy of the seated player.
func (s *Session) Player(addr common.Address) (domain.Player, bool) {
	if i := s.index(addr); i >= 0 {
		return s.Players[i], true
	}
	return domain.Player{}, false
}

func (s *Session) Addresses() []common.Address {
	out := make([]common.Address, len(s.Players))
	for i, p := range s.Players {
		out[i] = p.Address
	}
	return out
}

// SeatsLeft reports how many more players can join.
func (s *Session) SeatsLeft() int { return s.Settings.MaxPlayers - len(s.Players) }

func (s *Session) alive() []common.Address {
	var out []common.Address
	for _, p := range s.Players {
		if p.Alive {
			out = append(out, p.Address)
		}
	}
	return out
}

func (s *Session) aliveWithRole(r domain.Role) []common.Address {
	var out []common.Address
	for _, p := range s.Players {
		if p.Alive && p.Role == r {
			out = append(out, p.Address)
		}
	}
	return out
}

func (s *Session) require(phases ...domain.Phase) error {
	for _, p := range phases {
		if s.Phase == p {
			return nil
		}
	}
	return domain.Errorf(domain.KindInvalidPhase, "session %s is %s", s.GameID, s.Phase)
}

func (s *Session) transition(to domain.Phase, now time.Time) error {
	if !s.Phase.CanTransitionTo(to) {
		return domain.Errorf(domain.KindInvalidPhase, "cannot move %s from %s to %s", s.GameID, s.Phase, to)
	}
	s.Phase = to
	switch to {
	case domain.PhaseNight:
		s.kills = make(map[common.Address]common.Address)
		s.protects = make(map[common.Address]common.Address)
		s.PhaseDeadline = deadline(now, s.timeouts.Night)
	case domain.PhaseDay:
		s.Round++
		s.PhaseDeadline = deadline(now, s.timeouts.Day)
	case domain.PhaseVoting:
		s.votes = make(map[common.Address]common.Address)
		s.PhaseDeadline = deadline(now, s.timeouts.Voting)
	default:
		s.PhaseDeadline = time.Time{}
	}
	return nil
}

// Join seats a player whose stake is PENDING or CONFIRMED.
func (s *Session) Join(addr common.Address, status domain.StakeStatus, now time.Time) error {
	if err := s.require(domain.PhaseLobby); err != nil {
		return err
	}
	if !status.Seated() {
		return domain.Errorf(domain.KindValidation, "stake status %s cannot hold a seat", status)
	}
	if s.index(addr) >= 0 {
		return domain.Errorf(domain.KindAlreadyJoined, "%s already joined %s", addr.Hex(), s.GameID)
	}
	if len(s.Players) >= s.Settings.MaxPlayers {
		return domain.Errorf(domain.KindRoomFull, "room %s is full", s.RoomCode)
	}
	s.Players = append(s.Players, domain.Player{Address: addr, Alive: true, StakeStatus: status, JoinedAt: now})
	return nil
}

// ConfirmStake marks a seated stake CONFIRMED and reports whether the session started.
func (s *Session) ConfirmStake(addr common.Address, now time.Time) (bool, error) {
	if err := s.require(domain.PhaseLobby); err != nil {
		return false, err
	}
	i := s.index(addr)
	if i < 0 {
		return false, domain.Errorf(domain.KindNotFound, "%s not seated in %s", addr.Hex(), s.GameID)
	}
	s.Players[i].StakeStatus = domain.StakeConfirmed
	return s.maybeStart(now), nil
}

// ReleaseSeat removes a player whose stake did not land.
func (s *Session) ReleaseSeat(addr common.Address) error {
	if err := s.require(domain.PhaseLobby); err != nil {
		return err
	}
	i := s.index(addr)
	if i < 0 {
		return domain.Errorf(domain.KindNotFound, "%s not seated in %s", addr.Hex(), s.GameID)
	}
	s.Players = append(s.Players[:i], s.Players[i+1:]...)
	return nil
}

func (s *Session) ready() error {
	if len(s.Players) < s.Settings.MinPlayers {
		return domain.Errorf(domain.KindInvalidPhase, "need %d players, have %d", s.Settings.MinPlayers, len(s.Players))
	}
	for _, p := range s.Players {
		if p.StakeStatus != domain.StakeConfirmed {
			return domain.Errorf(domain.KindInvalidPhase, "stake of %s is %s", p.Address.Hex(), p.StakeStatus)
		}
	}
	return nil
}

func (s *Session) maybeStart(now time.Time) bool {
	if s.Phase != domain.PhaseLobby || s.ready() != nil {
		return false
	}
	s.begin(now)
	return true
}

// Start forces the game to begin; the same readiness rules as auto-start apply.
func (s *Session) Start(now time.Time) error {
	if err := s.require(domain.PhaseLobby); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	s.begin(now)
	return nil
}

// begin runs role assignment and falls through to the first night.
func (s *Session) begin(now time.Time) {
	_ = s.transition(domain.PhaseRoleAssignment, now)
	roles := AssignRoles(s.GameID, s.Addresses(), s.preset)
	for i := range s.Players {
		s.Players[i].Role = roles[i]
		s.Players[i].Alive = true
	}
	_ = s.transition(domain.PhaseNight, now)
}

// NightKill records an alive ASUR's target. The night resolves once every alive ASUR and
// DEVA has acted.
func (s *Session) NightKill(actor, target common.Address, now time.Time) error {
	if err := s.require(domain.PhaseNight); err != nil {
		return err
	}
	if err := s.actor(actor, domain.RoleAsur); err != nil {
		return err
	}
	t, ok := s.Player(target)
	if !ok || !t.Alive {
		return domain.Errorf(domain.KindValidation, "target %s is not alive in %s", target.Hex(), s.GameID)
	}
	if t.Role == domain.RoleAsur {
		return domain.Errorf(domain.KindValidation, "ASUR cannot target ASUR")
	}
	s.kills[actor] = target
	s.maybeResolveNight(now)
	return nil
}

// NightProtect records an alive DEVA's protected player. Self-protection is allowed.
func (s *Session) NightProtect(actor, target common.Address, now time.Time) error {
	if err := s.require(domain.PhaseNight); err != nil {
		return err
	}
	if err := s.actor(actor, domain.RoleDeva); err != nil {
		return err
	}
	if t, ok := s.Player(target); !ok || !t.Alive {
		return domain.Errorf(domain.KindValidation, "target %s is not alive in %s", target.Hex(), s.GameID)
	}
	s.protects[actor] = target
	s.maybeResolveNight(now)
	return nil
}

func (s *Session) actor(addr common.Address, role domain.Role) error {
	p, ok := s.Player(addr)
	if !ok {
		return domain.Errorf(domain.KindNotFound, "%s not in %s", addr.Hex(), s.GameID)
	}
	if !p.Alive || p.Role != role {
		return domain.Errorf(domain.KindValidation, "%s cannot act as %s", addr.Hex(), role)
	}
	return nil
}

func (s *Session) maybeResolveNight(now time.Time) {
	for _, a := range s.aliveWithRole(domain.RoleAsur) {
		if _, ok := s.kills[a]; !ok {
			return
		}
	}
	for _, d := range s.aliveWithRole(domain.RoleDeva) {
		if _, ok := s.protects[d]; !ok {
			return
		}
	}
	s.resolveNight(now)
}

// resolveNight applies whatever input arrived; missing input means no kill or no protection.
func (s *Session) resolveNight(now time.Time) {
	victim, ok := Tally(s.kills, s.aliveWithRole(domain.RoleAsur))
	if ok {
		for _, target := range s.protects {
			if target == victim {
				ok = false
				break
			}
		}
	}
	if ok {
		s.eliminate(victim)
		if s.checkWin(now) {
			return
		}
	}
	_ = s.transition(domain.PhaseDay, now)
}

// Advance moves DAY to VOTING.
func (s *Session) Advance(now time.Time) error {
	if err := s.require(domain.PhaseDay); err != nil {
		return err
	}
	return s.transition(domain.PhaseVoting, now)
}

// Vote records or replaces an alive player's vote. Voting resolves once every alive player voted.
func (s *Session) Vote(voter, target common.Address, now time.Time) error {
	if err := s.require(domain.PhaseVoting); err != nil {
		return err
	}
	v, ok := s.Player(voter)
	if !ok {
		return domain.Errorf(domain.KindNotFound, "%s not in %s", voter.Hex(), s.GameID)
	}
	if !v.Alive {
		return domain.Errorf(domain.KindValidation, "%s is eliminated", voter.Hex())
	}
	if t, ok := s.Player(target); !ok || !t.Alive {
		return domain.Errorf(domain.KindValidation, "target %s is not alive in %s", target.Hex(), s.GameID)
	}
	s.votes[voter] = target
	if len(s.votes) == len(s.alive()) {
		s.resolveVoting(now)
	}
	return nil
}

func (s *Session) resolveVoting(now time.Time) {
	if victim, ok := Tally(s.votes, s.alive()); ok {
		s.eliminate(victim)
		if s.checkWin(now) {
			return
		}
	}
	_ = s.transition(domain.PhaseDay, now)
}

func (s *Session) eliminate(addr common.Address) {
	i := s.index(addr)
	if i < 0 || !s.Players[i].Alive {
		return
	}
	s.Players[i].Alive = false
	s.Eliminations = append(s.Eliminations, Elimination{Round: s.Round, Phase: s.Phase, Player: addr})
}

// checkWin resolves the session when a faction has won.
func (s *Session) checkWin(now time.Time) bool {
	asur := len(s.aliveWithRole(domain.RoleAsur))
	others := len(s.alive()) - asur
	switch {
	case asur == 0:
		s.resolve(domain.OutcomeManavWin, "all ASUR eliminated", now)
	case asur*s.preset.AsurParity >= others:
		s.resolve(domain.OutcomeAsurWin, "ASUR reached parity", now)
	default:
		return false
	}
	return true
}

// Winners lists the winning faction, alive or not, in seat order.
func (s *Session) Winners() []common.Address {
	var out []common.Address
	for _, p := range s.Players {
		switch {
		case s.Outcome == domain.OutcomeAsurWin && p.Role == domain.RoleAsur,
			s.Outcome == domain.OutcomeManavWin && p.Role != domain.RoleAsur:
			out = append(out, p.Address)
		}
	}
	return out
}

func (s *Session) resolve(outcome domain.Outcome, reason string, now time.Time) {
	_ = s.transition(domain.PhaseResolved, now)
	s.Outcome = outcome
	s.Reason = reason
	s.ResolvedAt = now

	winners := s.Winners()
	split, err := SplitPot(s.Settings.StakeAmount, len(s.Players), s.houseCutBps, len(winners))
	if err != nil {
		// unreachable with validated settings; fall back to refunds so funds are never stranded
		s.refundAll("split failed: " + err.Error())
		return
	}
	for _, w := range winners {
		s.intents = append(s.intents, Intent{Kind: IntentPayout, GameID: s.GameID, To: w, Amount: split.PerWinner, Nonce: nonceSettle, Reason: string(outcome)})
	}
	if !split.Fee.IsZero() {
		s.intents = append(s.intents, Intent{Kind: IntentFee, GameID: s.GameID, To: s.feeRecipient, Amount: split.Fee, Nonce: nonceFee, Reason: "house cut"})
	}
}

func (s *Session) refundAll(reason string) {
	for _, p := range s.Players {
		if p.StakeStatus != domain.StakeConfirmed {
			continue
		}
		s.intents = append(s.intents, Intent{Kind: IntentRefund, GameID: s.GameID, To: p.Address, Amount: s.Settings.StakeAmount, Nonce: nonceSettle, Reason: reason})
	}
}

// Cancel closes a LOBBY session and refunds every confirmed stake.
func (s *Session) Cancel(reason string, now time.Time) error {
	if err := s.require(domain.PhaseLobby); err != nil {
		return err
	}
	_ = s.transition(domain.PhaseCancelled, now)
	s.Reason = reason
	s.ResolvedAt = now
	s.refundAll(reason)
	return nil
}

// Abort ends a running game with full refunds.
func (s *Session) Abort(reason string, now time.Time) error {
	if !s.Phase.InGame() {
		return domain.Errorf(domain.KindInvalidPhase, "cannot abort %s in %s", s.GameID, s.Phase)
	}
	_ = s.transition(domain.PhaseResolved, now)
	s.Outcome = domain.OutcomeAborted
	s.Reason = reason
	s.ResolvedAt = now
	s.refundAll("aborted: " + reason)
	return nil
}

// LateRefund requests a refund for a stake that confirmed after the session closed.
func (s *Session) LateRefund(addr common.Address, amount uint256.Int) {
	s.intents = append(s.intents, Intent{Kind: IntentRefund, GameID: s.GameID, To: addr, Amount: amount, Nonce: nonceSettle, Reason: fmt.Sprintf("stake confirmed after %s", strings.ToLower(string(s.Phase)))})
}

// Tick applies deadline defaults and reports whether the phase changed.
func (s *Session) Tick(now time.Time) bool {
	if s.PhaseDeadline.IsZero() || now.Before(s.PhaseDeadline) {
		return false
	}
	before := s.Phase
	switch s.Phase {
	case domain.PhaseLobby:
		_ = s.Cancel("lobby timeout", now)
	case domain.PhaseNight:
		s.resolveNight(now)
	case domain.PhaseDay:
		_ = s.transition(domain.PhaseVoting, now)
	case domain.PhaseVoting:
		s.resolveVoting(now)
	}
	return s.Phase != before
}

// DrainIntents returns and clears pending transfer requests.
func (s *Session) DrainIntents() []Intent {
	out := s.intents
	s.intents = nil
	return out
}

// Clone returns a deep copy safe to hand outside the owner's lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Players = append([]domain.Player(nil), s.Players...)
	c.Eliminations = append([]Elimination(nil), s.Eliminations...)
	c.kills, c.protects, c.votes, c.intents = nil, nil, nil, nil
	return &c
}

// Pot is the total staked by seated players.
func (s *Session) Pot() uint256.Int {
	var pot uint256.Int
	pot.Mul(&s.Settings.StakeAmount, uint256.NewInt(uint64(len(s.Players))))
	return pot
}
