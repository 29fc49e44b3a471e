package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/api"
	"github.com/fleetcore/control-plane/internal/audit"
	"github.com/fleetcore/control-plane/internal/auth"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/erasure"
	"github.com/fleetcore/control-plane/internal/metrics"
	"github.com/fleetcore/control-plane/internal/notification"
	"github.com/fleetcore/control-plane/internal/project"
	"github.com/fleetcore/control-plane/internal/ratelimit"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/fleetcore/control-plane/internal/retention"
	"github.com/fleetcore/control-plane/internal/run"
	"github.com/fleetcore/control-plane/internal/runner"
	"github.com/fleetcore/control-plane/internal/runnerqueue"
	"github.com/fleetcore/control-plane/internal/scheduler"
	"github.com/fleetcore/control-plane/internal/secretwiring"
	"github.com/fleetcore/control-plane/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	redisURL      string
	secretKey     string
	logLevel      string
	dataDir       string
	disableAuth   bool
	secureCookies bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "control-plane",
		Short: "control-plane server — fleet-management control plane",
		Long: `control-plane is the central component of the fleet-management system.
It exposes an authenticated REST API for the web GUI and for runner agents,
and drives the project-erasure, retention-sweep, and runner-command-queue
background machines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETCORE_HTTP_ADDR", ":8080"), "HTTP API and GUI listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLEETCORE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETCORE_DB_DSN", "./fleetcore.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.redisURL, "redis-url", envOrDefault("FLEETCORE_REDIS_URL", ""), "Redis URL for scheduler wake-ups and rate-limit pressure pub/sub (empty = disabled, polling only)")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FLEETCORE_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETCORE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("FLEETCORE_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.disableAuth, "disable-auth", envOrDefault("FLEETCORE_DISABLE_AUTH", "false") == "true", "Bypass authentication with a fixed dev identity (local development only — never set in production)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("FLEETCORE_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("control-plane %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or FLEETCORE_SECRET_KEY")
	}
	if cfg.disableAuth {
		logger.Warn("authentication is disabled — every request is treated as the fixed dev-bypass admin user")
	}

	logger.Info("starting control-plane server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	// The secret key is padded or truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Redis (optional) ---
	// Redis only backs the best-effort wake-up pub/sub for the scheduler's
	// poll loop and the rate-limiter's rejection-pressure channel. Neither
	// correctness property depends on it — the durable poller and the
	// Postgres/SQLite rate-limit bucket are the sources of truth.
	var redisClient *redis.Client
	if cfg.redisURL != "" {
		redisClient, err = newRedisClient(ctx, cfg.redisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn("redis URL not set — scheduler and rate limiter fall back to polling only")
	}

	// --- 4. Repositories ---
	userRepo := repository.NewUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	projectRepo := repository.NewProjectRepository(gormDB)
	memberRepo := repository.NewProjectMemberRepository(gormDB)
	policyRepo := repository.NewProjectPolicyRepository(gormDB)
	configRepo := repository.NewProjectConfigRepository(gormDB)
	runRepo := repository.NewRunRepository(gormDB)
	runEventRepo := repository.NewRunEventRepository(gormDB)
	runnerRepo := repository.NewRunnerRepository(gormDB)
	runnerTokenRepo := repository.NewRunnerTokenRepository(gormDB)
	secretWiringRepo := repository.NewSecretWiringRepository(gormDB)
	auditLogRepo := repository.NewAuditLogRepository(gormDB)
	rateLimitRepo := repository.NewRateLimitRepository(gormDB)
	deletionTokenRepo := repository.NewProjectDeletionTokenRepository(gormDB)
	deletionJobRepo := repository.NewProjectDeletionJobRepository(gormDB)
	retentionSweepRepo := repository.NewRetentionSweepRepository(gormDB)
	runnerJobRepo := repository.NewRunnerJobRepository(gormDB)
	scheduledTaskRepo := repository.NewScheduledTaskRepository(gormDB)
	notificationRepo := repository.NewNotificationRepository(gormDB)
	oidcProviderRepo := repository.NewOIDCProviderRepository(gormDB)
	settingsRepo := repository.NewSettingsRepository(gormDB)

	// --- 5. Auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviderRepo, userRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokenRepo, jwtManager)

	accessResolver := access.NewResolver(userRepo, projectRepo, memberRepo, cfg.disableAuth, logger)

	// --- 6. Scheduler ---
	sched, err := scheduler.New(scheduledTaskRepo, redisClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	// --- 7. Notifications ---
	// Built before the domain services below since run/erasure/retention/
	// runner each take it as their Notifier dependency.
	hub := websocket.NewHub()
	go hub.Run(ctx)

	notificationSvc := notification.NewService(notification.Config{
		NotifRepo:    notificationRepo,
		UserRepo:     userRepo,
		SettingsRepo: settingsRepo,
		Hub:          hub,
		Logger:       logger,
	})

	// --- 8. Domain services ---
	auditSvc := audit.NewService(auditLogRepo)
	projectSvc := project.NewService(projectRepo, memberRepo, policyRepo)
	runSvc := run.NewService(runRepo, runEventRepo, notificationSvc, hub)
	runnerSvc := runner.NewService(runnerRepo, runnerTokenRepo, notificationSvc, hub)
	secretWiringSvc := secretwiring.NewService(secretWiringRepo)
	runnerJobSvc := runnerqueue.NewService(runRepo, runnerJobRepo, runnerRepo)
	erasureSvc := erasure.NewService(
		projectRepo, deletionTokenRepo, deletionJobRepo, runEventRepo, runRepo,
		runnerRepo, configRepo, memberRepo, auditLogRepo, policyRepo,
		auditSvc, notificationSvc, hub, sched, logger,
	)
	retentionSvc := retention.NewService(retentionSweepRepo, policyRepo, runEventRepo, auditLogRepo, runRepo, sched, notificationSvc, logger)

	limiter := ratelimit.NewLimiter(rateLimitRepo, redisClient, logger)

	// --- 9. Scheduler wiring ---
	// RunDeletionJobStep and RunRetentionSweep are durable ScheduledTask
	// continuations; the scheduler only ever knows their registered fn name
	// and a JSON args blob, never the concrete service types.
	sched.RegisterHandler(erasure.RunDeletionJobStepFn, func(ctx context.Context, args map[string]any) error {
		rawID, _ := args["jobId"].(string)
		jobID, err := uuid.Parse(rawID)
		if err != nil {
			return fmt.Errorf("erasure continuation: invalid jobId %q: %w", rawID, err)
		}
		return erasureSvc.RunDeletionJobStep(ctx, jobID)
	})
	sched.RegisterHandler(retention.RunRetentionSweepFn, func(ctx context.Context, args map[string]any) error {
		reason, _ := args["reason"].(string)
		leaseID, _ := args["leaseId"].(string)
		return retentionSvc.RunRetentionSweep(ctx, reason, leaseID)
	})
	if err := sched.RegisterRetentionSweep(func(ctx context.Context, args map[string]any) error {
		reason, _ := args["reason"].(string)
		return retentionSvc.RunRetentionSweep(ctx, reason, "")
	}); err != nil {
		return fmt.Errorf("failed to register retention sweep tick: %w", err)
	}

	sched.Start(ctx)
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 10. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:   authService,
		Access:        accessResolver,
		Logger:        logger,
		Limiter:       limiter,
		Users:         userRepo,
		Projects:      projectSvc,
		Runs:          runSvc,
		Runners:       runnerSvc,
		RunnerJobs:    runnerJobSvc,
		SecretWiring:  secretWiringSvc,
		Erasure:       erasureSvc,
		Retention:     retentionSvc,
		Audit:         auditSvc,
		Notifications: notificationRepo,
		OIDCProviders: oidcProviderRepo,
		Hub:           hub,
		Secure:        cfg.secureCookies,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", metrics.Handler())

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down control-plane server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("control-plane server stopped")
	return nil
}

// newRedisClient parses redisURL and verifies connectivity before handing
// the client back — a misconfigured Redis URL should fail startup loudly
// rather than surface as silent scheduler/rate-limiter degradation later.
func newRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "control-plane")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("control-plane")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
