package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/devasur-server/internal/audit"
	appcfg "github.com/park285/devasur-server/internal/config"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/game"
	"github.com/park285/devasur-server/internal/httpapi"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/park285/devasur-server/internal/msgcat"
	"github.com/park285/devasur-server/internal/notify"
	"github.com/park285/devasur-server/internal/obslog"
	"github.com/park285/devasur-server/internal/reconcile"
	"github.com/park285/devasur-server/internal/rules"
	"github.com/park285/devasur-server/internal/session"
	"github.com/park285/devasur-server/internal/stakes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server_exit", zap.Error(err))
	}
	logger.Info("server_stopped")
}

func run(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) error {
	book, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return err
	}
	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return err
	}
	health := map[string]httpapi.HealthCheck{}

	// stores close in reverse order once every worker returned
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	client, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeLedger)
	health["ledger"] = func(ctx context.Context) error {
		_, err := client.QueryBalance(ctx, cfg.FeeRecipient)
		return err
	}

	var store stakes.Store
	if cfg.RedisURL != "" {
		rdb, err := stakes.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		store = stakes.NewRedisStore(rdb)
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Warn("stake_store_memory_only", zap.String("hint", "set REDIS_URL to keep pending stakes across restarts"))
	}
	cacheOpts := []stakes.Option{stakes.WithLogger(logger.Named("stakes"))}
	if store != nil {
		cacheOpts = append(cacheOpts, stakes.WithStore(store))
	}
	cache := stakes.New(cacheOpts...)
	if n, err := cache.Restore(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("stake_restore", zap.Int("attempts", n), zap.Int("pending", len(cache.ListPending(0))))
	}

	var recorder audit.Recorder = audit.Nop{}
	if cfg.DatabaseURL != "" {
		repo, err := audit.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = repo.Close() })
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		recorder = repo
		health["postgres"] = repo.Ping
	}
	auditQ := audit.NewQueue(recorder, 1024, logger.Named("audit"))
	cache.OnChange(auditQ.ObserveStake)

	var notifier notify.Notifier = notify.Nop{}
	var async *notify.Async
	if cfg.NotifyWebhookURL != "" {
		async = notify.NewAsync(notify.NewWebhook(cfg.NotifyWebhookURL, catalog), 1024, logger.Named("notify"))
		notifier = async
	}

	events := make(chan ledger.Event, 256)
	poller := ledger.NewPoller(client, events, 5*time.Second, logger.Named("poller"))

	disp := session.NewDispatcher(client, cache, notifier,
		session.WithWorkers(cfg.PayoutWorkers),
		session.WithConfirmTimeout(cfg.ConfirmTimeout),
		session.WithDispatcherLogger(logger.Named("payout")),
	)

	mgr := session.NewManager(session.Deps{
		Ledger:     client,
		Cache:      cache,
		Dispatcher: disp,
		Events:     events,
		Tracker:    poller,
		Notifier:   notifier,
		Auditor:    auditQ,
		Logger:     logger.Named("session"),
	}, session.Options{
		Defaults: domain.SessionConfig{
			MinPlayers:  cfg.MinPlayers,
			MaxPlayers:  cfg.MaxPlayers,
			StakeAmount: cfg.StakeAmount,
			Rules:       cfg.Rules,
		},
		Timeouts: game.Timeouts{
			Lobby:  cfg.LobbyTimeout,
			Night:  cfg.NightTimeout,
			Day:    cfg.DayTimeout,
			Voting: cfg.VotingTimeout,
		},
		HouseCutBps:    cfg.HouseCutBps,
		FeeRecipient:   cfg.FeeRecipient,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Rules:          book,
	})
	// sessions live in memory only; confirmed stakes restored without one go back to their owners
	mgr.RecoverOrphans()

	worker := reconcile.New(reconcile.Config{
		Interval:     cfg.ReconcileInterval,
		StakeTimeout: cfg.StakeTimeout,
		StakeGrace:   cfg.StakeGrace,
	}, client, cache, logger.Named("reconcile"))

	if cfg.AdminJWTSecret == "" {
		logger.Warn("admin_routes_disabled", zap.String("hint", "set ADMIN_JWT_SECRET"))
	}
	if cfg.GatewayJWTSecret == "" {
		logger.Warn("session_routes_unauthenticated", zap.String("hint", "set GATEWAY_JWT_SECRET or keep the API behind a trusted gateway"))
	}
	srv := httpapi.New(mgr, httpapi.Options{
		AdminSecret:   cfg.AdminJWTSecret,
		GatewaySecret: cfg.GatewayJWTSecret,
		Health:        health,
		Logger:        logger.Named("http"),
	})

	// Shutdown order: the API drains, then the producers stop, then the audit and notify
	// sinks flush what the producers left behind. A worker that returns early cancels wctx,
	// which stops the API and starts the same sequence.
	workers, wctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(wctx)
	defer stopAPI()
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var sinks errgroup.Group
	spawn := func(grp *errgroup.Group, runCtx context.Context, name string, fn func(context.Context)) {
		grp.Go(func() error {
			fn(runCtx)
			if runCtx.Err() == nil {
				stopAPI()
				return fmt.Errorf("worker %s stopped unexpectedly", name)
			}
			logger.Debug("worker_stopped", zap.String("worker", name))
			return nil
		})
	}
	spawn(&sinks, sinkCtx, "audit", auditQ.Run)
	if async != nil {
		spawn(&sinks, sinkCtx, "notify", async.Run)
	}
	spawn(workers, workCtx, "stake_events", func(ctx context.Context) { cache.Consume(ctx, events) })
	spawn(workers, workCtx, "poller", poller.Run)
	if cfg.LedgerFeedURL != "" {
		feed := ledger.NewFeed(cfg.LedgerFeedURL, events, 0, logger.Named("feed"))
		spawn(workers, workCtx, "feed", feed.Run)
	}
	spawn(workers, workCtx, "payouts", disp.Run)
	spawn(workers, workCtx, "clock", func(ctx context.Context) { mgr.RunClock(ctx, cfg.ClockInterval) })
	spawn(workers, workCtx, "reconcile", worker.Run)

	logger.Info("server_start",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("ledger", cfg.LedgerMode),
		zap.Uint64("house_cut_bps", cfg.HouseCutBps),
		zap.Strings("rules", book.Names()),
	)
	err = srv.ListenAndServe(apiCtx, cfg.HTTPAddr)
	stopWork()
	werr := workers.Wait()
	// confirmation waits may still publish; stop them before the sinks drain
	mgr.Close()
	stopSinks()
	serr := sinks.Wait()
	return errors.Join(err, werr, serr)
}

// openLedger returns the bounded ledger client selected by LEDGER_MODE.
func openLedger(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) (ledger.Client, func(), error) {
	if cfg.LedgerMode == appcfg.LedgerMemory {
		logger.Warn("ledger_memory_mode", zap.String("faucet", cfg.MemoryFaucet.Dec()))
		mem := ledger.NewMemLedger(ledger.WithAutoConfirm(), ledger.WithFaucet(cfg.MemoryFaucet))
		return ledger.NewBounded(mem, cfg.LedgerCallTimeout), func() {}, nil
	}
	eth, err := ledger.NewEthClient(ctx, ledger.EthConfig{
		RPCURL:       cfg.ChainRPCURL,
		ChainID:      cfg.ChainID,
		Contract:     cfg.StakingContract,
		SignerKeyHex: cfg.ServerSignerKey,
	}, logger.Named("ledger"))
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewBounded(eth, cfg.LedgerCallTimeout), eth.Close, nil
}
