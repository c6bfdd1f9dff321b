package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirval/fhirval/internal/config"
	"github.com/fhirval/fhirval/internal/domain/bulk"
	"github.com/fhirval/fhirval/internal/domain/dashboard"
	"github.com/fhirval/fhirval/internal/domain/queue"
	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/domain/validation"
	"github.com/fhirval/fhirval/internal/platform/db"
	"github.com/fhirval/fhirval/internal/platform/events"
	"github.com/fhirval/fhirval/internal/platform/fhirclient"
	"github.com/fhirval/fhirval/internal/platform/middleware"
	"github.com/fhirval/fhirval/internal/platform/terminology"
)

const migrationsDir = "migrations"

// Process exit codes.
const (
	exitConfigError = 1
	exitDBError     = 2
)

func main() {
	root := &cobra.Command{
		Use:           "fhirval-server",
		Short:         "FHIR resource validation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the validation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServer()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	migrate.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, m *db.Migrator) error {
					applied, err := m.Up(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("applied %d migration(s)\n", applied)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, m *db.Migrator) error {
					statuses, err := m.Status(ctx)
					if err != nil {
						return err
					}
					for _, s := range statuses {
						state := "pending"
						if s.Applied {
							state = "applied " + s.AppliedAt.Format(time.RFC3339)
						}
						fmt.Printf("%03d %-30s %s\n", s.Version, s.Name, state)
					}
					return nil
				})
			},
		},
	)
	return migrate
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDBError)
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationsDir))
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(middleware.ParseLevel(cfg.LogLevel))
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	logger := newLogger(cfg)
	logger.Info().Str("env", cfg.Env).Str("port", cfg.Port).Msg("starting fhirval-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("database unreachable")
		os.Exit(exitDBError)
	}
	defer pool.Close()

	migrator := db.NewMigrator(pool, migrationsDir)
	if applied, err := migrator.Up(ctx); err != nil {
		logger.Error().Err(err).Msg("migrations failed")
		os.Exit(exitDBError)
	} else if applied > 0 {
		logger.Info().Int("applied", applied).Msg("migrations applied")
	}

	serverID, err := ensureServer(ctx, pool, cfg.FHIRServerURL)
	if err != nil {
		logger.Error().Err(err).Msg("register fhir server")
		os.Exit(exitDBError)
	}

	bus := events.NewBus(logger)

	// Terminology subsystem.
	termCache := terminology.NewCache(terminology.CacheConfig{})
	defer termCache.Close()
	termRouter := terminology.NewRouter(cfg.TerminologyDefaultBase)
	termClient := terminology.NewClient(terminology.ClientConfig{}, logger)
	batchValidator := terminology.NewBatchValidator(termClient, termCache, termRouter, terminology.BatchConfig{}, logger)

	// Settings service.
	settingsSvc := settings.NewService(
		settings.NewRepoPG(pool),
		settings.NewAuditRepoPG(pool),
		settings.NewBackupRepoPG(pool),
		bus,
		logger,
	)
	if err := settingsSvc.EnsureDefaults(ctx); err != nil {
		logger.Error().Err(err).Msg("install default settings")
		os.Exit(exitDBError)
	}

	// FHIR client for the server under validation.
	var fhir *fhirclient.Client
	if cfg.FHIRServerURL != "" {
		fhir = fhirclient.New(cfg.FHIRServerURL, 30*time.Second, logger)
	}

	// Validation pipeline and service.
	evaluators := []validation.Evaluator{
		validation.NewStructuralEvaluator(),
		validation.NewProfileEvaluator(),
		validation.NewTerminologyEvaluator(batchValidator, terminology.R4),
		validation.NewReferenceEvaluator(fhir),
		validation.NewBusinessRuleEvaluator(),
		validation.NewMetadataEvaluator(),
	}
	resultRepo := validation.NewResultRepoPG(pool)
	resourceRepo := validation.NewResourceRepoPG(pool)
	pipeline := validation.NewPipeline(evaluators, resultRepo, settingsSvc, bus,
		validation.PipelineConfig{MaxConcurrent: cfg.MaxConcurrentValidations}, logger)
	validationSvc := validation.NewService(pipeline, resultRepo, resourceRepo, fhir, settingsSvc, serverID, logger)

	// Priority queue and dispatcher.
	workQueue := queue.New(queue.Config{
		MaxConcurrent:  cfg.MaxConcurrentValidations,
		EnablePriority: true,
		EnableRetry:    true,
	})
	dispatcher := queue.NewDispatcher(workQueue, func(ctx context.Context, item *queue.Item) (interface{}, error) {
		switch req := item.Request.(type) {
		case []map[string]interface{}:
			return validationSvc.Validate(ctx, req, false)
		case []string:
			return validationSvc.ValidateByIDs(ctx, req, false)
		default:
			return nil, fmt.Errorf("unsupported queue request type %T", item.Request)
		}
	}, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Bulk orchestrator.
	tracker := bulk.NewTracker()
	var orchestrator *bulk.Orchestrator
	if fhir != nil {
		orchestrator = bulk.NewOrchestrator(fhir, pipeline, settingsSvc, resultRepo, resourceRepo, tracker, bus, bulk.Config{
			BatchSize:           cfg.BulkBatchSize,
			TypeCeiling:         cfg.BulkTypeCeiling,
			ValidScoreThreshold: cfg.ValidScoreThreshold,
			ServerID:            serverID,
		}, logger)
	}

	// Dashboard aggregator.
	var aggregator *dashboard.Aggregator
	if fhir != nil {
		aggregator = dashboard.NewAggregator(fhir, resultRepo, settingsSvc, bus, dashboard.Config{}, logger)
		defer aggregator.Close()
	}

	e := newEcho(cfg, logger)
	registerRoutes(e, cfg, pool, bus, validationSvc, settingsSvc, workQueue, dispatcher, orchestrator, tracker, aggregator)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("shutdown complete")
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))
	return e
}

func registerRoutes(
	e *echo.Echo,
	cfg *config.Config,
	pool *pgxpool.Pool,
	bus *events.Bus,
	validationSvc *validation.Service,
	settingsSvc *settings.Service,
	workQueue *queue.Queue,
	dispatcher *queue.Dispatcher,
	orchestrator *bulk.Orchestrator,
	tracker *bulk.Tracker,
	aggregator *dashboard.Aggregator,
) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	g := e.Group("/api/validation")
	g.GET("/stream", events.StreamHandler(bus, events.StreamConfig{DevMode: cfg.IsDev()}))

	validation.NewHandler(validationSvc).RegisterRoutes(g)
	settings.NewHandler(settingsSvc).RegisterRoutes(g)
	queue.NewHandler(workQueue, dispatcher).RegisterRoutes(g)
	if orchestrator != nil {
		bulk.NewHandler(orchestrator, tracker).RegisterRoutes(g)
	}
	if aggregator != nil {
		dashboard.NewHandler(aggregator).RegisterRoutes(g)
	}
}

// serverStore is the slice of the pool ensureServer needs.
type serverStore interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ensureServer registers the configured FHIR server in the inventory
// and returns its id. Reuses the existing row on restarts.
func ensureServer(ctx context.Context, store serverStore, baseURL string) (uuid.UUID, error) {
	if baseURL == "" {
		return uuid.Nil, nil
	}

	var id uuid.UUID
	err := store.QueryRow(ctx, `SELECT id FROM fhir_server WHERE base_url = $1`, baseURL).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return uuid.Nil, fmt.Errorf("look up fhir server: %w", err)
	}

	id = uuid.New()
	if _, err := store.Exec(ctx,
		`INSERT INTO fhir_server (id, name, base_url) VALUES ($1, $2, $3)`,
		id, "default", baseURL); err != nil {
		return uuid.Nil, fmt.Errorf("insert fhir server: %w", err)
	}
	return id, nil
}
