package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/game"
	"github.com/park285/devasur-server/internal/session"
	"github.com/park285/devasur-server/pkg/stakingdto"
	"go.uber.org/zap"
)

func (s *Server) requestCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
}

// stake returns the PENDING record when the ledger did not answer in time; the
// reconciliation worker settles it later.
func (s *Server) stake(c *gin.Context) {
	var req stakingdto.StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.GameID) == "" || strings.TrimSpace(req.PlayerAddress) == "" || strings.TrimSpace(req.RoomCode) == "" {
		badRequest(c, "gameId, playerAddress and roomCode are required")
		return
	}
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	rec, err := s.svc.StakeForGame(ctx, req.GameID, req.PlayerAddress, req.RoomCode)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if !rec.HasTx() {
		status = http.StatusAccepted
	}
	ok(c, status, stakeDTO(rec))
}

func (s *Server) stakingSummary(c *gin.Context) {
	sum, err := s.svc.Summary(c.Param("gameId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, summaryDTO(sum))
}

func (s *Server) stakeRecord(c *gin.Context) {
	rec, err := s.svc.Stake(c.Param("gameId"), c.Param("playerAddress"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, stakeDTO(rec))
}

func (s *Server) balance(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	addr, bal, err := s.svc.Balance(ctx, c.Param("playerAddress"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, stakingdto.Balance{PlayerAddress: addr.Hex(), Balance: bal.Dec()})
}

func (s *Server) listStaking(c *gin.Context) {
	active := s.svc.ListActive()
	out := make([]stakingdto.StakingSummary, 0, len(active))
	for _, sess := range active {
		sum, err := s.svc.Summary(sess.GameID)
		if err != nil {
			// pruned between the two calls
			continue
		}
		out = append(out, summaryDTO(sum))
	}
	ok(c, http.StatusOK, out)
}

func (s *Server) createSession(c *gin.Context) {
	var body stakingdto.CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	req := session.CreateRequest{MinPlayers: body.MinPlayers, MaxPlayers: body.MaxPlayers, Rules: body.Rules}
	if v := strings.TrimSpace(body.StakeAmount); v != "" {
		amt, err := uint256.FromDecimal(v)
		if err != nil {
			badRequest(c, "stakeAmount must be a base-10 integer")
			return
		}
		req.StakeAmount = amt
	}
	sess, err := s.svc.CreateSession(req)
	if err != nil {
		fail(c, err)
		return
	}
	s.log.Info("http_session_created", zap.String("game_id", sess.GameID), zap.String("room_code", sess.RoomCode))
	ok(c, http.StatusCreated, sessionDTO(sess))
}

func (s *Server) getSession(c *gin.Context) {
	sess, found := s.svc.GetSession(c.Param("gameId"))
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, stakingdto.Envelope{Error: &stakingdto.Error{Code: "NOT_FOUND", Message: "session not found"}})
		return
	}
	ok(c, http.StatusOK, sessionDTO(sess))
}

func (s *Server) respond(c *gin.Context, sess *game.Session, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, sessionDTO(sess))
}

func (s *Server) start(c *gin.Context) {
	sess, err := s.svc.Start(c.Param("gameId"))
	s.respond(c, sess, err)
}

func (s *Server) advance(c *gin.Context) {
	sess, err := s.svc.Advance(c.Param("gameId"))
	s.respond(c, sess, err)
}

func reason(c *gin.Context) string {
	var body stakingdto.ReasonRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&body)
	}
	return body.Reason
}

func (s *Server) cancel(c *gin.Context) {
	sess, err := s.svc.Cancel(c.Param("gameId"), reason(c))
	s.respond(c, sess, err)
}

func (s *Server) abort(c *gin.Context) {
	sess, err := s.svc.Abort(c.Param("gameId"), reason(c))
	s.respond(c, sess, err)
}

func bindAction(c *gin.Context) (stakingdto.ActionRequest, bool) {
	var req stakingdto.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return req, false
	}
	if strings.TrimSpace(req.Actor) == "" || strings.TrimSpace(req.Target) == "" {
		badRequest(c, "actor and target are required")
		return req, false
	}
	if !actsFor(c, req.Actor) {
		deny(c, http.StatusForbidden, "token does not belong to actor")
		return req, false
	}
	return req, true
}

func (s *Server) night(c *gin.Context) {
	req, valid := bindAction(c)
	if !valid {
		return
	}
	var (
		sess *game.Session
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "kill":
		sess, err = s.svc.NightKill(c.Param("gameId"), req.Actor, req.Target)
	case "protect":
		sess, err = s.svc.NightProtect(c.Param("gameId"), req.Actor, req.Target)
	default:
		badRequest(c, "action must be kill or protect")
		return
	}
	s.respond(c, sess, err)
}

func (s *Server) vote(c *gin.Context) {
	req, valid := bindAction(c)
	if !valid {
		return
	}
	sess, err := s.svc.Vote(c.Param("gameId"), req.Actor, req.Target)
	s.respond(c, sess, err)
}
