package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/hl7hub/internal/config"
	"github.com/ehr/hl7hub/internal/domain/audit"
	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/domain/inbound"
	"github.com/ehr/hl7hub/internal/domain/order"
	"github.com/ehr/hl7hub/internal/domain/reconcile"
	"github.com/ehr/hl7hub/internal/domain/services"
	"github.com/ehr/hl7hub/internal/platform/auth"
	"github.com/ehr/hl7hub/internal/platform/db"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
	"github.com/ehr/hl7hub/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hl7hub",
		Short: "HL7 laboratory and pharmacy interface engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(connectorsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive HL7 messages and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
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
			return withPool(cmd, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				migrator := db.NewMigrator(pool, migrationsDir(cmd, cfg))
				count, err := migrator.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				migrator := db.NewMigrator(pool, migrationsDir(cmd, cfg))
				statuses, err := migrator.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func connectorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "Inspect MLLP connectors",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				items, err := connector.NewRepoPG(pool).List(ctx)
				if err != nil {
					return err
				}
				printConnectors(cmd, items)
				return nil
			})
		},
	})
	return cmd
}

func withPool(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func printMigrations(cmd *cobra.Command, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	w.Flush()
}

func printConnectors(cmd *cobra.Command, items []*connector.Connector) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPORT\tSENDING APP\tSENDING FAC\tRECEIVING APP\tRECEIVING FAC\tACTIVE")
	for _, c := range items {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%t\n", c.ID, c.Name, c.Port,
			c.Identity.SendingApplication, c.Identity.SendingFacility,
			c.Identity.ReceivingApplication, c.Identity.ReceivingFacility, c.Active)
	}
	w.Flush()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer(ctx context.Context) error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid config")
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	dir := directory.New(directory.NewRepoPG(pool), cfg.DirectoryCacheTTL)
	auditSvc := audit.NewService(audit.NewRepoPG(pool))
	orders := order.NewRepoPG(pool)

	dispatcher := inbound.NewDispatcher(inbound.DispatcherConfig{
		Host:            cfg.MLLPHost,
		ReadTimeout:     cfg.MLLPReadTimeout,
		ShutdownTimeout: cfg.MLLPShutdownTimeout,
	}, auditSvc, logger)

	feed, closeFeed, err := newFeed(cfg, pool, logger)
	if err != nil {
		return err
	}
	defer closeFeed()

	synchronizer := services.NewSynchronizer(
		services.NewRepoPG(pool),
		connector.NewRepoPG(pool),
		dir,
		dispatcher,
		appFactories(dir, order.NewSourcesPG(pool), orders, cfg.LocalSystemName, logger),
		feed,
		services.SynchronizerConfig{RescanInterval: cfg.ServiceRescanInterval},
		logger,
	)

	e := newEcho(cfg, logger, pool)
	apiV1 := e.Group("/api/v1")
	inbound.NewHandler(dispatcher).RegisterRoutes(apiV1)
	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)
	order.NewHandler(orders).RegisterRoutes(apiV1)
	services.NewHandler(synchronizer).RegisterRoutes(apiV1)
	hl7v2.NewParseHandler().RegisterRoutes(apiV1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting admin API")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return synchronizer.StartWatching(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(httpCtx); err != nil {
			logger.Error().Err(err).Msg("admin API shutdown failed")
		}

		mllpCtx, cancelMLLP := context.WithTimeout(context.Background(), cfg.MLLPShutdownTimeout)
		defer cancelMLLP()
		if err := dispatcher.Shutdown(mllpCtx); err != nil {
			logger.Error().Err(err).Msg("MLLP shutdown incomplete")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	return e
}

// newFeed returns the configured service change feed and a function that
// releases it. A nil feed means changes are only found by rescanning.
func newFeed(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (services.Feed, func(), error) {
	switch cfg.ServiceFeed {
	case config.FeedKafka:
		feed, err := services.NewKafkaFeed(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
		if err != nil {
			return nil, nil, err
		}
		return feed, func() {
			if err := feed.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close kafka feed")
			}
		}, nil
	case config.FeedPostgres:
		return services.NewPGNotifyFeed(pool, logger), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

// appFactories builds one message type registry per service kind. Each
// service gets its own application so orders are placed at its location.
func appFactories(dir reconcile.Directory, sources order.Sources, orders order.Repository, system string, logger zerolog.Logger) map[services.Kind]services.AppFactory {
	families := map[services.Kind]order.Family{
		services.KindPharmacy:   order.Pharmacy,
		services.KindLaboratory: order.Laboratory,
	}
	factories := make(map[services.Kind]services.AppFactory, len(families))
	for kind, family := range families {
		registry := reconcile.NewRegistry(reconcile.NewReconciler(family, dir, sources, system, logger))
		factories[kind] = func(s *services.Service) (inbound.Application, error) {
			return reconcile.NewApplication(registry, orders, s.LocationID,
				logger.With().Int64("service_id", s.ID).Str("service", s.Name).Logger()), nil
		}
	}
	return factories
}
