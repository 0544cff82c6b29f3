package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/idempotency"
	"live-quiz-service/internal/infra/memory"
	natsbus "live-quiz-service/internal/infra/nats"
	"live-quiz-service/internal/infra/postgres"
	infraredis "live-quiz-service/internal/infra/redis"
	transport "live-quiz-service/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
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
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	clock := clockwork.NewRealClock()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	retention := config.TTLDuration(cfg.Redis.TTL, 6*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader app.Catalog
	switch {
	case pool != nil:
		loader = postgres.NewCatalog(pool)
	case cfg.Catalog.File != "":
		loader, err = memory.NewStaticCatalogFromFile(cfg.Catalog.File)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("no catalog configured: set postgres.url or catalog.file")
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	var catalog app.Catalog
	var store app.SessionStore
	if redisClient != nil {
		catalog = infraredis.NewCachedCatalog(redisClient, loader, catalogTTL)
		store = infraredis.NewSessionStore(redisClient, retention)
	} else {
		catalog = memory.NewCachedCatalog(loader, catalogTTL, clock)
		store = memory.NewSessionStore(clock, retention)
	}

	var bus app.EventBus
	switch cfg.BusType() {
	case config.BusNATS:
		natsCfg := natsbus.DefaultConfig()
		if cfg.NATS.URL != "" {
			natsCfg.URL = cfg.NATS.URL
		}
		nb, err := natsbus.Connect(natsCfg)
		if err != nil {
			return err
		}
		defer nb.Close()
		bus = nb
	case config.BusRedis:
		if redisClient == nil {
			return fmt.Errorf("redis bus requires redis.addr")
		}
		bus = infraredis.NewBus(redisClient)
	default:
		bus = memory.NewBus()
	}

	hub := transport.NewHub(bus)
	service := app.NewSessionService(store, catalog, nil, hub, clock, app.Options{
		DefaultQuestionDuration: config.TTLDuration(cfg.Session.QuestionDuration, app.DefaultQuestionDuration),
		Feedback: app.FeedbackPolicy{
			Default: config.TTLDuration(cfg.Session.FeedbackDuration, 5*time.Second),
			ByMode:  cfg.FeedbackByMode(),
		},
	})
	// Timer changes made on any process must wake the orchestrator that drives the session.
	hub.OnEvent(func(event domain.Event) {
		if event.Type == domain.EventTimerUpdated || event.Type == domain.EventSessionEnded {
			service.Notify(event.AccessCode)
		}
	})

	guard := idempotency.NewGuard(clock, config.TTLDuration(cfg.Session.IdempotencySweep, 30*time.Second))
	guard.Start()
	defer guard.Stop()

	if err := hub.Start(ctx); err != nil {
		return err
	}

	wsConfig := transport.DefaultConnectionConfig()
	wsConfig.IdempotencyWindow = config.TTLDuration(cfg.Session.IdempotencyWindow, wsConfig.IdempotencyWindow)
	wsHandler := transport.NewWSHandler(service, hub, guard, wsConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", finalPort).Str("bus", cfg.BusType()).Msg("starting quiz session service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		service.Shutdown()
		hub.Close()
		return err
	})
	return g.Wait()
}
