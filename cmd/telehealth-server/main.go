package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/telehealth/telehealth/internal/config"
	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/identity"
	"github.com/telehealth/telehealth/internal/domain/interview"
	"github.com/telehealth/telehealth/internal/platform/analytics"
	"github.com/telehealth/telehealth/internal/platform/auth"
	"github.com/telehealth/telehealth/internal/platform/cache"
	"github.com/telehealth/telehealth/internal/platform/db"
	"github.com/telehealth/telehealth/internal/platform/events"
	"github.com/telehealth/telehealth/internal/platform/generation"
	"github.com/telehealth/telehealth/internal/platform/logging"
	"github.com/telehealth/telehealth/internal/platform/middleware"
	"github.com/telehealth/telehealth/internal/platform/telemetry"
	"github.com/telehealth/telehealth/internal/platform/webhook"
	"github.com/telehealth/telehealth/internal/platform/websocket"
	"github.com/telehealth/telehealth/internal/realtime"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "telehealth-server",
		Short: "Telehealth chat and interview server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (func(), *db.Migrator, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return pool.Close, db.NewMigrator(pool, cfg.MigrationsDir), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				cfg.MigrationsDir = dir
			}

			ctx := context.Background()
			closePool, migrator, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				cfg.MigrationsDir = dir
			}

			ctx := context.Background()
			closePool, migrator, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// tokenCmd issues access tokens for existing identities. Identity
// provisioning itself happens outside this service.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("identity")
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--identity must be a uuid: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, expires, err := auth.NewTokenIssuer(cfg.SigningKey(), cfg.JWTIssuer, cfg.AccessTokenTTL).Issue(id)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires at %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	issueCmd.Flags().String("identity", "", "Identity id the token is issued for")
	cmd.AddCommand(issueCmd)
	return cmd
}

// newGenerator uses the OpenAI client when a key is configured and the
// canned mock otherwise.
func newGenerator(cfg *config.Config, logger zerolog.Logger) interview.Generator {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn().Msg("OPENAI_API_KEY not set, using mock generation")
		return generation.Mock{}
	}
	return generation.NewOpenAI(generation.Config{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.GenerationTimeout + 5*time.Second,
	}, logger)
}

// newPublisher returns the configured summary sinks. The webhook publisher is
// returned separately so its delivery log can be mounted for admins.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, *webhook.Publisher, error) {
	var sinks events.Fanout
	if len(cfg.KafkaBrokers) > 0 {
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaSummaryTopic).Msg("publishing summaries to kafka")
		sinks = append(sinks, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaSummaryTopic))
	}
	var hook *webhook.Publisher
	if cfg.SummaryWebhookURL != "" {
		var err error
		hook, err = webhook.NewPublisher(cfg.SummaryWebhookURL, cfg.SummaryWebhookSecret,
			webhook.WithLogger(logger.With().Str("component", "webhook").Logger()))
		if err != nil {
			sinks.Close()
			return nil, nil, fmt.Errorf("summary webhook: %w", err)
		}
		logger.Info().Str("url", cfg.SummaryWebhookURL).Msg("publishing summaries to webhook")
		sinks = append(sinks, hook)
	}
	switch len(sinks) {
	case 0:
		return events.NewLogPublisher(logger), nil, nil
	case 1:
		return sinks[0], hook, nil
	}
	return sinks, hook, nil
}

func registerGauges(m *telemetry.Metrics, router *realtime.Router, pool *pgxpool.Pool) {
	m.RegisterGauge("realtime_conversations", "Conversations with at least one socket.", func() float64 {
		return float64(router.Stats().Conversations)
	})
	m.RegisterGauge("realtime_clients", "Connected socket clients.", func() float64 {
		return float64(router.Stats().Clients)
	})
	m.RegisterGauge("realtime_inflight_generations", "Interview turns waiting on the model.", func() float64 {
		return float64(router.Stats().Inflight)
	})
	m.RegisterGauge("db_pool_acquired_connections", "Database connections in use.", func() float64 {
		return float64(pool.Stat().AcquiredConns())
	})
	m.RegisterGauge("db_pool_idle_connections", "Idle database connections.", func() float64 {
		return float64(pool.Stat().IdleConns())
	})
}

func newLimiter(cfg *config.Config) *middleware.Limiter {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return middleware.NewLimiter(rl)
}

func runServer(cfg *config.Config) error {
	logger := logging.New(logging.Options{
		Env:        cfg.Env,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if cfg.IsDev() && cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, signing with the development secret")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Identity, with an optional redis read-through cache
	var identities identity.IdentityRepository = identity.NewIdentityRepoPG(pool)
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		identities = cache.NewIdentityCache(identities, cache.NewRedisStore(rdb), cfg.IdentityCacheTTL, logger)
		logger.Info().Dur("ttl", cfg.IdentityCacheTTL).Msg("identity cache enabled")
	}
	relations := identity.NewRelationRepoPG(pool)
	mappings := identity.NewMappingRepoPG(pool)
	identitySvc := identity.NewService(identities, relations, mappings)
	verifier := auth.NewTokenVerifier(cfg.SigningKey(), cfg.JWTIssuer, identities)

	resolver := access.NewResolver(relations, mappings)
	gate := access.NewGate(relations, mappings)

	// Chat and interview
	chatSvc := chat.NewService(chat.NewChatRepoPG(pool), chat.NewMessageRepoPG(pool), db.NewTransactor(pool), gate)

	gen := newGenerator(cfg, logger)
	publisher, summaryHook, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	sessions := interview.NewSessionRepoPG(pool)
	turns := interview.NewTurnRepoPG(pool)
	engine := interview.NewEngine(sessions, turns, gen, interview.EngineConfig{
		CycleLength: cfg.InterviewCycleLength,
		Timeout:     cfg.GenerationTimeout,
	}, logger)
	interviewSvc := interview.NewService(engine, sessions, turns, chatSvc, gen, publisher, logger)

	// Realtime
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	registry := websocket.NewRegistry(logger)
	router := realtime.NewRouter(registry, resolver, chatSvc, interviewSvc, realtime.RouterConfig{
		HistoryWindow: cfg.HistoryWindow,
	}, logger)
	limiter := newLimiter(cfg)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", access.ActingEntityHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	metrics := telemetry.New()
	e.Use(metrics.Middleware())
	usage := analytics.NewUsageTracker(10000)
	e.Use(analytics.UsageMiddleware(usage))
	e.Use(auth.Middleware(verifier, auth.AuthSkipper))

	// Sockets authenticate during their own handshake
	realtime.NewSocketHandler(baseCtx, router, verifier, limiter, cfg.WSAllowedOrigins, logger).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1", access.Middleware(resolver), middleware.RateLimit(limiter))
	adminGroup := e.Group("/api/v1/admin", auth.RequireRole(identity.RoleAdmin))

	identity.NewHandler(identitySvc).RegisterRoutes(adminGroup, apiV1)
	analytics.NewUsageHandler(usage).RegisterRoutes(adminGroup)
	if summaryHook != nil {
		webhook.NewHandler(summaryHook).RegisterRoutes(adminGroup)
	}
	chat.NewHandler(chatSvc).RegisterRoutes(apiV1)
	interview.NewHandler(interviewSvc).RegisterRoutes(apiV1)
	realtimeHandler := realtime.NewHandler(router)
	realtimeHandler.RegisterRoutes(apiV1)

	health := e.Group("/health")
	health.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	health.GET("/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	realtimeHandler.RegisterHealth(health)

	registerGauges(metrics, router, pool)
	e.GET("/metrics", metrics.Handler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	registry.Close()
	if err := router.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int64("inflight", router.Stats().Inflight).Msg("abandoning in-flight generations")
	}
	cancelBase()
	if err := publisher.Close(); err != nil {
		logger.Error().Err(err).Msg("close publisher")
	}
	logger.Info().Msg("server stopped")
	return nil
}
