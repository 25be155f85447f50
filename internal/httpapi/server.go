package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/game"
	"github.com/park285/devasur-server/internal/session"
	"github.com/park285/devasur-server/pkg/stakingdto"
	"go.uber.org/zap"
)

// Sessions is the orchestrator surface the API needs.
type Sessions interface {
	CreateSession(req session.CreateRequest) (*game.Session, error)
	GetSession(idOrCode string) (*game.Session, bool)
	ListActive() []*game.Session
	Summary(gameID string) (session.Summary, error)
	Stake(gameID, playerAddr string) (domain.StakeRecord, error)
	Balance(ctx context.Context, playerAddr string) (common.Address, uint256.Int, error)
	StakeForGame(ctx context.Context, gameID, playerAddr, roomCode string) (domain.StakeRecord, error)
	Start(gameID string) (*game.Session, error)
	Cancel(gameID, reason string) (*game.Session, error)
	Abort(gameID, reason string) (*game.Session, error)
	Advance(gameID string) (*game.Session, error)
	NightKill(gameID, actor, target string) (*game.Session, error)
	NightProtect(gameID, actor, target string) (*game.Session, error)
	Vote(gameID, voter, target string) (*game.Session, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	AdminSecret string
	// GatewaySecret signs tokens for session actions. Empty leaves those routes open.
	GatewaySecret  string
	RequestTimeout time.Duration
	Health         map[string]HealthCheck
	Logger         *zap.Logger
}

type Server struct {
	svc    Sessions
	opts   Options
	log    *zap.Logger
	engine *gin.Engine
}

func New(svc Sessions, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{svc: svc, opts: opts, log: opts.Logger, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)

	api := s.engine.Group("/api")
	{
		api.POST("/stake", s.stake)
		api.GET("/staking/:gameId", s.stakingSummary)
		api.GET("/staking/:gameId/:playerAddress", s.stakeRecord)
		api.GET("/balance/:playerAddress", s.balance)

		sessions := api.Group("/sessions")
		{
			sessions.POST("", s.createSession)
			sessions.GET("/:gameId", s.getSession)

			actions := sessions.Group("/:gameId")
			actions.Use(CallerAuth(s.opts.GatewaySecret))
			actions.POST("/start", requireHost, s.start)
			actions.POST("/cancel", requireHost, s.cancel)
			actions.POST("/advance", requireHost, s.advance)
			actions.POST("/night", s.night)
			actions.POST("/vote", s.vote)
		}

		admin := api.Group("/")
		admin.Use(AdminAuth(s.opts.AdminSecret))
		{
			admin.GET("/staking", s.listStaking)
			admin.POST("/sessions/:gameId/abort", s.abort)
		}
	}
}

// ListenAndServe runs the API until ctx is done and then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http_listen", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, stakingdto.Envelope{Success: true, Data: data})
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindInvalidConfig, domain.KindInvalidPhase, domain.KindInsufficientFunds:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindDuplicateStake, domain.KindAlreadyJoined, domain.KindRoomFull, domain.KindConflict:
		return http.StatusConflict
	case domain.KindLedgerUnavailable, domain.KindTimedOut:
		return http.StatusServiceUnavailable
	case domain.KindReverted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	var de *domain.Error
	body := stakingdto.Error{Code: "INTERNAL", Message: "internal error"}
	if errors.As(err, &de) {
		body = stakingdto.Error{Code: string(de.Kind), Message: de.Message, Retryable: de.Retryable}
	}
	status := statusOf(domain.Kind(body.Code))
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, stakingdto.Envelope{Success: false, Error: &body})
}

func badRequest(c *gin.Context, msg string) {
	fail(c, domain.Errorf(domain.KindValidation, "%s", msg))
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	checks := make(map[string]string, len(s.opts.Health))
	healthy := true
	for name, check := range s.opts.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}
