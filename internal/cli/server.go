package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"live-quiz-engine/internal/app"
	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/config"
	"live-quiz-engine/internal/infra/memory"
	"live-quiz-engine/internal/infra/postgres"
	redisinfra "live-quiz-engine/internal/infra/redis"
	"live-quiz-engine/internal/logging"
	"live-quiz-engine/internal/metrics"
	"live-quiz-engine/internal/scheduler"
	transport "live-quiz-engine/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register(prometheus.DefaultRegisterer)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var (
		store   app.Store = memory.NewStore()
		pgStore *postgres.Store
	)
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		pgStore = postgres.NewStore(pool)
		store = pgStore
		log.Info("using postgres store")
	} else {
		log.Warn("postgres url not configured, state is kept in memory")
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var (
		registry  app.SessionRegistry = memory.NewSessionRegistry()
		questions app.QuestionSource  = memory.NewQuestionCache(store, quizTTL)
		client    *redis.Client
	)
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
		registry = redisinfra.NewSessionRegistry(client, redisTTL)
		questions = redisinfra.NewQuestionCache(client, store, quizTTL, log)
		log.Info("using redis session registry", zap.String("addr", cfg.Redis.Addr))
	}

	authz := auth.CreatorOrAdmin{}
	gateway := app.NewGateway(registry, store, log).
		WithInterval(config.TTLDuration(cfg.Session.Tick, time.Second))
	leaderboard := app.NewLeaderboardService(store, questions, authz, gateway, log)
	submissions := app.NewSubmissionService(store, questions, leaderboard, gateway, log)
	lifecycle := app.NewLifecycleController(store, questions, gateway, authz, leaderboard, log)
	gateway.SetExpiryHandler(lifecycle.Expire)

	sched := scheduler.New(lifecycle, log)
	defer sched.Stop()
	lifecycle.SetWakeups(sched)
	if err := sched.Recover(ctx, store); err != nil {
		log.Error("scheduler recovery failed", zap.Error(err))
	}
	if err := lifecycle.Restore(ctx); err != nil {
		log.Error("live session restore failed", zap.Error(err))
	}

	api := transport.NewServer(transport.Deps{
		Lifecycle:     lifecycle,
		Submissions:   submissions,
		Leaderboard:   leaderboard,
		Gateway:       gateway,
		Tokens:        auth.NewTokenVerifier(cfg.Auth.JWTSecret),
		Authorizer:    authz,
		Logger:        log,
		RatePerSecond: cfg.Session.RatePerSecond,
		Burst:         cfg.Session.Burst,
	})
	health := func(r *http.Request) error {
		if pgStore != nil {
			if err := pgStore.Ping(r.Context()); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if client != nil {
			if err := client.Ping(r.Context()).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      api.Router(health),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.Run(gctx)
	})
	g.Go(func() error {
		log.Info("starting quiz engine", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
