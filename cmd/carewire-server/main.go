package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carewire/carewire/internal/config"
	"github.com/carewire/carewire/internal/domain/notify"
	"github.com/carewire/carewire/internal/domain/thread"
	"github.com/carewire/carewire/internal/platform/audit"
	"github.com/carewire/carewire/internal/platform/auth"
	"github.com/carewire/carewire/internal/platform/db"
	"github.com/carewire/carewire/internal/platform/keyring"
	"github.com/carewire/carewire/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carewire-server",
		Short: "Secure messaging and notification delivery server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(notifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Operate on the audit log",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain, whole or a sequence range",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetUint64("from")
			to, _ := cmd.Flags().GetUint64("to")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			store := audit.NewPGStore(pool)
			auditor := audit.NewLogger(store, logger)
			if err := auditor.VerifyRange(ctx, from, to); err != nil {
				return fmt.Errorf("audit chain verification failed: %w", err)
			}

			if from > 0 || to > 0 {
				fmt.Printf("Audit chain segment [%d, %d] intact.\n", from, to)
				return nil
			}
			count, err := store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Audit chain intact: %d record(s) verified.\n", count)
			return nil
		},
	}
	verifyCmd.Flags().Uint64("from", 0, "First sequence number to verify (0 = genesis)")
	verifyCmd.Flags().Uint64("to", 0, "Last sequence number to verify (0 = chain head)")
	cmd.AddCommand(verifyCmd)

	return cmd
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Operate on notification deliveries",
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a terminally failed delivery attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			idArg, _ := cmd.Flags().GetString("id")
			id, err := uuid.Parse(idArg)
			if err != nil {
				return fmt.Errorf("--id must be a delivery attempt uuid")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			auditor := audit.NewLogger(audit.NewPGStore(pool), logger)
			repo := notify.NewPGAttemptRepo(pool)
			tracker := notify.NewTracker(repo, buildGateway(cfg), auditor, logger, trackerConfig(cfg))

			replayed, err := tracker.Replay(ctx, id)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			fmt.Printf("Replayed attempt %s as %s.\n", id, replayed.ID)

			// Deliver immediately rather than leaving it for a running server.
			if n := tracker.RunDue(ctx); n > 0 {
				fmt.Printf("Processed %d due delivery(ies).\n", n)
			}
			return nil
		},
	}
	replayCmd.Flags().String("id", "", "Delivery attempt id to replay")
	cmd.AddCommand(replayCmd)

	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for this command")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func trackerConfig(cfg *config.Config) notify.TrackerConfig {
	tc := notify.DefaultTrackerConfig()
	if cfg.MaxAttempts > 0 {
		tc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.DeliveryWorkers > 0 {
		tc.Workers = cfg.DeliveryWorkers
	}
	if cfg.ProviderTimeout > 0 {
		tc.ProviderTimeout = time.Duration(cfg.ProviderTimeout) * time.Second
	}
	return tc
}

// buildGateway routes email through the configured SMTP relay and SMS through
// the provider HTTP API. In development with neither configured, a mock
// gateway records sends instead of delivering them.
func buildGateway(cfg *config.Config) notify.Gateway {
	if cfg.SMTPAddr == "" && cfg.SMSGatewayURL == "" && cfg.IsDev() {
		return notify.NewMockGateway()
	}
	router := notify.NewRouterGateway()
	if cfg.SMTPAddr != "" {
		router.Register(notify.ChannelEmail, &notify.SMTPGateway{
			Addr: cfg.SMTPAddr,
			From: "no-reply@carewire.local",
		})
	}
	if cfg.SMSGatewayURL != "" {
		router.Register(notify.ChannelSMS, &notify.SMSGateway{URL: cfg.SMSGatewayURL})
	}
	return router
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Storage. A database is mandatory in production; development without
	// DATABASE_URL runs entirely in memory.
	var (
		pool        *pgxpool.Pool
		auditStore  audit.Store
		attemptRepo notify.AttemptRepo
		prefStore   notify.PreferenceStore
		threadRepo  thread.Repo
		directory   keyring.Directory
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		auditStore = audit.NewPGStore(pool)
		attemptRepo = notify.NewPGAttemptRepo(pool)
		prefStore = notify.NewPGPreferenceStore(pool)
		threadRepo = thread.NewPGRepo(pool)
		directory = keyring.NewPGDirectory(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set; using in-memory stores")
		auditStore = audit.NewMemoryStore()
		attemptRepo = notify.NewMemoryAttemptRepo()
		prefStore = notify.NewMemoryPreferenceStore()
		threadRepo = thread.NewMemoryRepo()
		directory = keyring.NewMemoryDirectory()
	}

	// Platform services
	auditor := audit.NewLogger(auditStore, logger)

	// With a master key, thread keys are escrowed sealed at rest and reloaded
	// on startup. Without one (dev only) key state lives in process memory.
	var keys *keyring.Manager
	if cfg.MasterKey != "" {
		masterKey, err := hex.DecodeString(cfg.MasterKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("MASTER_KEY must be hex")
		}
		var keyStore keyring.KeyStore
		if pool != nil {
			keyStore = keyring.NewPGKeyStore(pool)
		} else {
			keyStore = keyring.NewMemoryKeyStore()
		}
		keys, err = keyring.NewManagerWithEscrow(directory, keyStore, masterKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create key manager")
		}
		if err := keys.LoadState(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to reload escrowed thread keys")
		}
	} else {
		logger.Warn().Msg("MASTER_KEY not set; thread keys will not survive a restart")
		keys = keyring.NewManager(directory)
	}

	templates, err := notify.NewTemplateEngine()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load notification templates")
	}

	// Delivery pipeline
	tracker := notify.NewTracker(attemptRepo, buildGateway(cfg), auditor, logger, trackerConfig(cfg))
	if err := tracker.Reload(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to reload pending deliveries")
	}
	dispatcher := notify.NewDispatcher(prefStore, notify.NewEscalationPolicy(), templates,
		tracker, auditor, logger, notify.DispatcherConfig{
			EscalationSLA: time.Duration(cfg.EscalationSLA) * time.Second,
		})

	trackerCtx, trackerCancel := context.WithCancel(ctx)
	defer trackerCancel()
	go tracker.Start(trackerCtx)

	// Messaging service
	threadSvc := thread.NewService(threadRepo, keys, dispatcher, tracker, auditor, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health check
	if pool != nil {
		e.GET("/health", db.HealthHandler(pool))
	} else {
		e.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "0.1.0"})
		})
	}

	// Domain handlers
	operatorOnly := auth.RequireRole("operator")

	threadHandler := thread.NewHandler(threadSvc, logger)
	threadHandler.RegisterRoutes(apiV1)

	notifyHandler := notify.NewHandler(tracker, attemptRepo, prefStore, logger)
	notifyHandler.RegisterRoutes(apiV1, operatorOnly)

	// Audit chain verification for operators. Optional from/to sequence
	// bounds verify just that segment of the chain.
	apiV1.POST("/audit/verify", func(c echo.Context) error {
		var from, to uint64
		if v := c.QueryParam("from"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "from must be a sequence number")
			}
			from = n
		}
		if v := c.QueryParam("to"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "to must be a sequence number")
			}
			to = n
		}
		if err := auditor.VerifyRange(c.Request().Context(), from, to); err != nil {
			return c.JSON(http.StatusConflict, map[string]string{
				"status": "violation",
				"detail": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "intact"})
	}, operatorOnly)

	// Start server with graceful shutdown
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

	logger.Info().Msg("shutting down")
	trackerCancel()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
