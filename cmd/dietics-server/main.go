package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/morshed/dietics/internal/config"
	"github.com/morshed/dietics/internal/entity"
	"github.com/morshed/dietics/internal/platform/auth"
	"github.com/morshed/dietics/internal/platform/db"
	"github.com/morshed/dietics/internal/platform/middleware"
	"github.com/morshed/dietics/internal/platform/openapi"
	"github.com/morshed/dietics/internal/platform/sandbox"
	"github.com/morshed/dietics/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dietics-server",
		Short:        "Nutrition records API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(schemaCmd())
	root.AddCommand(seedCmd())
	return root
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			switch cfg.StorageDriver {
			case config.DriverSQLite:
				store, err := entity.OpenSQLite(cfg.SQLitePath, migrations.SQLite())
				if err != nil {
					return err
				}
				defer store.Close()
				fmt.Fprintf(out, "Database %s is up to date.\n", store.Path())
				return nil
			case config.DriverPostgres:
			default:
				return fmt.Errorf("STORAGE_DRIVER %q has no migrations", cfg.StorageDriver)
			}

			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.Postgres()).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StorageDriver != config.DriverPostgres {
				return fmt.Errorf("migrate status requires STORAGE_DRIVER=%s", config.DriverPostgres)
			}
			ctx := cmd.Context()

			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			statuses, err := db.NewMigrator(pool, migrations.Postgres()).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
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

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StorageDriver != config.DriverPostgres {
				return fmt.Errorf("tenants require STORAGE_DRIVER=%s", config.DriverPostgres)
			}
			ctx := cmd.Context()

			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Creating tenant schema: %s\n", db.SchemaName(name))
			n, err := db.CreateTenantSchema(ctx, pool, name, migrations.Postgres())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Tenant created successfully, %d migration(s) applied.\n", n)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits, underscore)")
	cmd.AddCommand(createCmd)
	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the entity catalog",
	}

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a catalog file, or the built-in catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := catalogFromArgs(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range reg.Routes() {
				fmt.Fprintf(out, "%-28s /api/%s\n", r.Entity, r.Path)
			}
			fmt.Fprintf(out, "Catalog is valid: %d entities.\n", len(reg.Schemas()))
			return nil
		},
	}

	printCmd := &cobra.Command{
		Use:   "print [file]",
		Short: "Print the resolved catalog as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := catalogFromArgs(args)
			if err != nil {
				return err
			}
			b, err := entity.MarshalCatalog(reg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	cmd.AddCommand(validateCmd, printCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill a tenant with synthetic nutrition records",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			sc := sandbox.DefaultSeedConfig()
			sc.PatientCount, _ = cmd.Flags().GetInt("patients")
			sc.TestsPerPatient, _ = cmd.Flags().GetInt("tests")
			sc.Seed, _ = cmd.Flags().GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StorageDriver == config.DriverMemory {
				return fmt.Errorf("seeding requires a persistent STORAGE_DRIVER")
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			reg, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg.DefaultTenant = tenant
			store, err := openStorage(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer store.close()

			svc := entity.NewService(reg, store.repo, zerolog.Nop())
			return store.scope(ctx, tenant, func(ctx context.Context) error {
				res, err := sandbox.NewSeeder(svc, sc).Generate(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range reg.Routes() {
					fmt.Fprintf(out, "%-28s %d\n", r.Entity, res.Records[r.Entity])
				}
				fmt.Fprintf(out, "Seeded %d records into tenant %s (seed %d).\n", res.Total, tenant, res.Seed)
				return nil
			})
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to seed (defaults to DEFAULT_TENANT)")
	cmd.Flags().Int("patients", 25, "Number of patients")
	cmd.Flags().Int("tests", 3, "Biochemical test results per patient")
	cmd.Flags().Int64("seed", 0, "Random seed, 0 picks one")
	return cmd
}

func catalogFromArgs(args []string) (*entity.Registry, error) {
	if len(args) == 1 {
		return entity.LoadCatalogFile(args[0])
	}
	return entity.DefaultCatalog()
}

func loadRegistry(cfg *config.Config) (*entity.Registry, error) {
	if cfg.SchemaFile != "" {
		return entity.LoadCatalogFile(cfg.SchemaFile)
	}
	return entity.DefaultCatalog()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// storage is the record store selected by STORAGE_DRIVER.
type storage struct {
	repo   entity.Repository
	health db.Pinger
	tenant echo.MiddlewareFunc
	close  func()

	// scope runs fn against the records of one tenant outside a request.
	scope func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error
}

func unscoped(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		n, err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrations.Postgres())
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Str("tenant", cfg.DefaultTenant).Int("migrations", n).Msg("connected to database")
		return &storage{
			repo:   entity.NewRecordRepoPG(pool),
			health: pool,
			tenant: db.TenantMiddleware(pool, cfg.DefaultTenant),
			scope: func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
				return db.WithTenantConn(ctx, pool, tenant, fn)
			},
			close: pool.Close,
		}, nil

	case config.DriverSQLite:
		store, err := entity.OpenSQLite(cfg.SQLitePath, migrations.SQLite())
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", store.Path()).Msg("opened database")
		return &storage{
			repo:   store,
			health: store,
			tenant: db.TenantTagMiddleware(cfg.DefaultTenant),
			scope:  unscoped,
			close:  func() { store.Close() },
		}, nil

	case config.DriverMemory:
		logger.Warn().Msg("records are kept in memory and lost on shutdown")
		repo := entity.NewMemoryRepo()
		return &storage{
			repo:   repo,
			health: repo,
			tenant: db.TenantTagMiddleware(cfg.DefaultTenant),
			scope:  unscoped,
			close:  func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jc := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		return auth.DevAuthMiddleware(jc, cfg.DefaultTenant)
	case config.AuthExternal:
		jc.SigningKey = nil
	}
	return auth.JWTMiddleware(jc)
}

// newServer wires the HTTP surface around store.
func newServer(cfg *config.Config, logger zerolog.Logger, reg *entity.Registry, store *storage) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var opts []entity.Option
	var metrics *middleware.Metrics
	if cfg.MetricsEnabled {
		metrics = middleware.NewMetrics("dietics")
		opts = append(opts, entity.WithObserver(metrics))
	}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
		ExposeHeaders: []string{
			"X-Total-Count", "Link", echo.HeaderLocation, middleware.RequestIDHeader,
			entity.AlertHeader, entity.ParamsHeader, entity.ErrorHeader,
		},
	}))
	e.Use(authMiddleware(cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StorageDriver, store.health))
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}

	api := e.Group("/api",
		middleware.RateLimit(rl),
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
		store.tenant,
	)
	svc := entity.NewService(reg, store.repo, logger, opts...)
	entity.NewHandler(svc).RegisterRoutes(api)
	if cfg.DocsEnabled {
		openapi.NewGenerator(reg, version, "/api").RegisterRoutes(api)
	}
	if cfg.SandboxEnabled {
		sandbox.NewSeedHandler(svc).RegisterRoutes(api.Group("/sandbox", auth.RequireRole(auth.RoleAdmin)))
	}

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		logger.Warn().Msg("development auth is active: requests without a token get admin access")
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("load entity catalog: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	if h := db.CheckHealth(ctx, cfg.StorageDriver, store.health); h.Error != "" {
		logger.Warn().Str("driver", h.Driver).Str("error", h.Error).Msg("storage is not reachable yet")
	}

	e := newServer(cfg, logger, reg, store)

	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StorageDriver).Int("entities", len(reg.Schemas())).Msg("starting server")
		if cfg.TLSEnabled {
			errc <- e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errc <- e.Start(addr)
		}
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
