package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ayurcare/emr/internal/config"
	"github.com/ayurcare/emr/internal/domain/identity"
	"github.com/ayurcare/emr/internal/domain/therapy"
	"github.com/ayurcare/emr/internal/platform/auth"
	"github.com/ayurcare/emr/internal/platform/db"
	"github.com/ayurcare/emr/internal/platform/events"
	"github.com/ayurcare/emr/internal/platform/middleware"
	"github.com/ayurcare/emr/internal/platform/sandbox"
	"github.com/ayurcare/emr/internal/platform/validation"
	"github.com/ayurcare/emr/internal/platform/websocket"
	"github.com/ayurcare/emr/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "emr-server",
		Short: "Panchakarma therapy cycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(seedCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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
		Short: "Apply pending migrations to a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.ClinicSchema(clinic)
			migrator := db.NewMigratorFS(pool, migrationFiles(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("clinic", "", "Clinic identifier (defaults to DEFAULT_CLINIC)")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status of a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.ClinicSchema(clinic)
			statuses, err := db.NewMigratorFS(pool, migrationFiles(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "", "Clinic identifier (defaults to DEFAULT_CLINIC)")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and apply all migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating clinic schema: %s\n", db.ClinicSchema(name))
			if err := db.CreateClinicSchema(ctx, pool, name, migrationFiles(cfg.MigrationsDir)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill a clinic with demo users and therapy cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.Doctors, _ = cmd.Flags().GetInt("doctors")
			seedCfg.Interns, _ = cmd.Flags().GetInt("interns")
			seedCfg.Patients, _ = cmd.Flags().GetInt("patients")
			seedCfg.CycleShare, _ = cmd.Flags().GetFloat64("cycle-share")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")
			if err := seedCfg.Validate(); err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}
			logger := newLogger(cfg.Env, cmd.ErrOrStderr())

			pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, release, err := db.WithClinic(context.Background(), pool, clinic)
			if err != nil {
				return err
			}
			defer release()

			identitySvc := identity.NewService(identity.NewUserRepoPG(pool))
			therapySvc := therapy.NewService(therapy.NewCycleRepoPG(pool), identitySvc, db.NewTxManager(pool), logger)

			result, err := sandbox.NewSeeder(identitySvc, therapySvc, seedCfg, logger).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %s: %d doctors, %d interns, %d patients, %d cycles (%d stages completed).\n",
				db.ClinicSchema(clinic), result.Doctors, result.Interns, result.Patients, result.Cycles, result.CompletedStages)
			return nil
		},
	}
	defaults := sandbox.DefaultSeedConfig()
	cmd.Flags().String("clinic", "", "Clinic identifier (defaults to DEFAULT_CLINIC)")
	cmd.Flags().Int("doctors", defaults.Doctors, "Number of doctors")
	cmd.Flags().Int("interns", defaults.Interns, "Number of interns")
	cmd.Flags().Int("patients", defaults.Patients, "Number of patients")
	cmd.Flags().Float64("cycle-share", defaults.CycleShare, "Fraction of patients given an active cycle")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one from the clock)")
	return cmd
}

// migrationFiles returns dir on disk, or the embedded migrations when dir is
// empty.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e, cleanup, err := newServer(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	defer cleanup()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
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
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the HTTP API. The returned cleanup closes the event and
// cache clients it opened.
func newServer(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*echo.Echo, func(), error) {
	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, nil, err
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders("/docs"))
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Clinic-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API reference, served without a token
	apiDocs("/api/v1", cfg.IsDev()).RegisterRoutes(e.Group("/api/v1"))

	// API group: auth, then per-caller rate limits, then the clinic schema.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1.Use(authMW)

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(db.ClinicMiddleware(pool, cfg.DefaultClinic))
	apiV1.Use(middleware.Audit(logger))

	var closers []func() error
	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("close failed")
			}
		}
	}

	// Identity domain
	identitySvc := identity.NewService(identity.NewUserRepoPG(pool))
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)

	// Event fan-out: websocket subscribers always, Kafka when configured.
	hub := websocket.NewHub(logger)
	publisher := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		publisher = append(publisher, kafkaPub)
		closers = append(closers, kafkaPub.Close)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka event sink enabled")
	}

	// Therapy domain
	cycleRepo := therapy.NewCycleRepoPG(pool)
	therapySvc := therapy.NewService(cycleRepo, identitySvc, db.NewTxManager(pool), logger)

	assignment, err := therapy.NewAssignmentPolicy(cfg.DoctorAssignment, identitySvc, cycleRepo)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	completion, err := therapy.ParseCompletionPolicy(cfg.CompletionPolicy)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	therapySvc.SetAssignmentPolicy(assignment)
	therapySvc.SetCompletionPolicy(completion)
	therapySvc.SetPublisher(publisher)
	therapySvc.SetAccessCheck(auth.CanActForPatient)

	cache, closeCache, err := newCycleCache(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if cache != nil {
		therapySvc.SetCache(cache)
		closers = append(closers, closeCache)
		logger.Info().Dur("ttl", cfg.CycleCacheTTL).Msg("active cycle cache enabled")
	}

	therapy.NewHandler(therapySvc).RegisterRoutes(apiV1)

	// Live progress updates
	websocket.NewWebSocketHandler(hub, therapy.CanSubscribe, cfg.CORSOrigins).RegisterRoutes(apiV1)

	// Demo data for development deployments
	if cfg.IsDev() {
		sandbox.NewSeedHandler(identitySvc, therapySvc, logger).RegisterRoutes(apiV1)
	}

	return e, cleanup, nil
}

// authMiddleware validates bearer tokens outside development. In development
// tokens are still validated when present; requests without one act as admin.
func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	key, err := signingKey(cfg.AuthSigningKey)
	if err != nil {
		return nil, err
	}
	jwtMW := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	})
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(jwtMW), nil
	}
	return jwtMW, nil
}

// signingKey decodes the hex HS256 key from AUTH_SIGNING_KEY. An empty value
// selects JWKS validation.
func signingKey(envValue string) ([]byte, error) {
	if envValue == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(envValue)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// newCycleCache connects the active cycle cache when REDIS_URL is set. It
// returns a nil cache otherwise.
func newCycleCache(cfg *config.Config) (therapy.CycleCache, func() error, error) {
	if cfg.RedisURL == "" {
		return nil, nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return therapy.NewRedisCycleCache(client, cfg.CycleCacheTTL), client.Close, nil
}
