package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/config"
	"cafe/dispatch-service/internal/dispatch"
	"cafe/dispatch-service/internal/escalation"
	"cafe/dispatch-service/internal/guardian"
	"cafe/dispatch-service/internal/httpapi"
	"cafe/dispatch-service/internal/jobs"
	"cafe/dispatch-service/internal/logging"
	"cafe/dispatch-service/internal/notify"
	"cafe/dispatch-service/internal/notify/hub"
	"cafe/dispatch-service/internal/notify/pubnub"
	"cafe/dispatch-service/internal/realtime"
	"cafe/dispatch-service/internal/staff"
	"cafe/dispatch-service/internal/store"
	"cafe/dispatch-service/internal/store/postgres"
	redisstore "cafe/dispatch-service/internal/store/redis"
	"cafe/dispatch-service/internal/telemetry"
	"cafe/dispatch-service/internal/zones"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/microcosm-cc/bluemonday"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "dispatch-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Production(), cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("dispatch-service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	shutdownTelemetry := telemetry.Setup(serviceName, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	pg := postgres.NewStore(pool)

	clk := clock.New()
	h := hub.New(logger.Named("hub"))
	publishers := notify.Fanout{h}
	if cfg.PubNubEnabled() {
		pn, err := pubnub.New(pubnub.Config{
			PublishKey:   cfg.PubNubPublishKey,
			SubscribeKey: cfg.PubNubSubscribeKey,
			SecretKey:    cfg.PubNubSecretKey,
			UserID:       cfg.PubNubUserID,
		})
		if err != nil {
			return err
		}
		publishers = append(publishers, pn)
		logger.Info("pubnub push enabled")
	}

	var presence store.PresenceStore
	var escalator dispatch.Escalator = escalation.NewDirect(publishers, clk)
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		presence = redisstore.NewPresenceStore(rdb, redisstore.DefaultPresenceKey)

		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		escalator = escalation.NewQueue(asynqClient, logger.Named("escalation"))

		escalationServer := escalation.NewServer(redisOpt, cfg.EscalationConcurrency, logger.Named("escalation"))
		mux := escalation.NewServeMux(escalation.NewHandler(publishers, clk, logger.Named("escalation")))
		if err := escalationServer.Start(mux); err != nil {
			return fmt.Errorf("escalation server: %w", err)
		}
		defer escalationServer.Shutdown()
	} else {
		logger.Warn("REDIS_ADDR not set; staff presence is memory-only and escalations are pushed directly")
	}

	registry := zones.NewRegistry(pg, clk, logger.Named("zones"))
	n, err := registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	logger.Info("zones loaded", zap.Int("count", n))

	directory := staff.NewDirectory(presence, clk, logger.Named("staff"))
	if n, err := directory.Restore(ctx); err != nil {
		logger.Warn("restore staff presence", zap.Error(err))
	} else {
		logger.Info("staff presence restored", zap.Int("count", n))
	}

	coordinator := dispatch.NewCoordinator(pg, directory, publishers, dispatch.Options{
		ResponseWindow: cfg.DispatchResponseWindow(),
		Clock:          clk,
		Logger:         logger.Named("dispatch"),
		Escalator:      escalator,
		Sanitizer:      bluemonday.StrictPolicy(),
	})
	defer coordinator.Shutdown()
	directory.Watch(coordinator)
	if n, err := coordinator.Recover(ctx); err != nil {
		logger.Warn("recover assignments", zap.Error(err))
	} else {
		logger.Info("assignments recovered", zap.Int("count", n))
	}

	sessions := guardian.New(pg, registry, publishers, guardian.Options{
		DefaultGrace: cfg.SessionGrace(),
		Clock:        clk,
		Logger:       logger.Named("guardian"),
	})
	defer sessions.Shutdown()
	if n, err := sessions.Recover(ctx); err != nil {
		logger.Warn("recover sessions", zap.Error(err))
	} else {
		logger.Info("sessions recovered", zap.Int("count", n))
	}

	api := httpapi.NewHandler(coordinator, sessions, directory, registry, httpapi.Options{Clock: clk, Logger: logger.Named("http")})
	rt := realtime.NewServer(h, coordinator, sessions, directory, clk, logger.Named("realtime"))
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
		Clock:     clk,
	})

	router := chi.NewRouter()
	router.Mount("/realtime", rt.Handler())
	router.Group(func(r chi.Router) {
		r.Use(httpapi.LoggingMiddleware(logger.Named("http")), limiter.Middleware)
		r.Mount("/", api.Routes())
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(router, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		interval := cfg.SweepInterval()
		jobs.Start(ctx, logger.Named("jobs"),
			jobs.PruneClosedJob(interval, cfg.RetentionPeriod(), clk, logger, coordinator, sessions),
			jobs.StaleStaffJob(interval, cfg.StaffStaleTTL(), logger, directory),
			jobs.UnvalidatedSessionJob(interval, cfg.SessionUnvalidatedTTL(), clk, logger, sessions),
			jobs.RateLimitPruneJob(10*time.Minute, clk, limiter),
		)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("dispatch-service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-jobsDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-jobsDone
	logger.Info("dispatch-service stopped")
	return nil
}
