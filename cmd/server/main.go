package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	sloggorm "github.com/orandin/slog-gorm"
	"github.com/spf13/cobra"
	otellib "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"github.com/testexechq/control-plane/cmd/server/internal/jobs"
	servermiddleware "github.com/testexechq/control-plane/cmd/server/internal/middleware"
	"github.com/testexechq/control-plane/cmd/server/internal/migrations"
	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/cmd/server/internal/monitoring"
	"github.com/testexechq/control-plane/cmd/server/internal/namespaces"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/cmd/server/internal/reporting"
	"github.com/testexechq/control-plane/cmd/server/internal/routes"
	adminroutes "github.com/testexechq/control-plane/cmd/server/internal/routes/admin"
	"github.com/testexechq/control-plane/cmd/server/internal/routes/tenant"
	"github.com/testexechq/control-plane/cmd/server/internal/scheduler"
	"github.com/testexechq/control-plane/cmd/server/internal/taskrunner"
	"github.com/testexechq/control-plane/cmd/server/internal/tickers"
	"github.com/testexechq/control-plane/cmd/server/internal/tracker"
	"github.com/testexechq/control-plane/internal/cluster"
	"github.com/testexechq/control-plane/internal/config"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/otel"
	"github.com/testexechq/control-plane/internal/queue"
	"github.com/testexechq/control-plane/internal/types"
	"github.com/testexechq/control-plane/internal/upload"
)

const name string = "github.com/testexechq/control-plane/cmd/server"

var tracer = otellib.Tracer(name)

type server struct {
	router       *echo.Echo
	config       *config.Config
	db           *gorm.DB
	taskRunner   *taskrunner.Client
	otelShutdown func(context.Context) error
	tickers      *tickers.Runner
	cleanupQueue queue.Queuer
	orchestrator *jobs.Orchestrator
	tickersStop  func()
}

func openDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	gormLogger := slog.New(logger.Handler)

	sg := sloggorm.New(
		sloggorm.WithHandler(gormLogger.Handler()),
		sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
	)
	if cfg.Logging.Gorm.TraceQueries {
		sg = sloggorm.New(
			sloggorm.WithHandler(gormLogger.Handler()),
			sloggorm.WithTraceAll(),
			sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
		)
	}

	db, err := gorm.Open(
		postgres.Open(cfg.PostgresDSN()),
		&gorm.Config{Logger: sg, TranslateError: true},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire underlying database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConnections)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnectionTTL)

	if err := db.Use(gormtracing.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to add otel plugin to gorm: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to perform database migrations: %w", err)
	}

	return db, nil
}

//nolint:ireturn // the chosen store must stay behind the Uploader boundary.
func buildUploader(cfg *config.Config) (upload.Uploader, error) {
	if cfg.S3Archive != nil && cfg.S3Archive.Enabled {
		archiver, err := upload.NewMinioUploader(
			cfg.S3Archive.Endpoint,
			cfg.S3Archive.AccessKeyID,
			cfg.S3Archive.SecretAccessKey,
			cfg.S3Archive.SSLEnabled,
			cfg.S3Archive.BucketName,
		)
		if err != nil {
			return nil, err
		}

		return upload.NewRetryUploader(archiver), nil
	}

	uploader, err := upload.NewAzureUploader(
		cfg.Storage.Name,
		cfg.Storage.Key,
		cfg.Storage.Containers.URL,
		cfg.Storage.Containers.TestResults,
	)
	if err != nil {
		return nil, err
	}

	return upload.NewRetryUploader(uploader), nil
}

func initServer(ctx context.Context) (*server, error) {
	server := new(server)

	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server config: %w", err)
	}
	server.config = cfg

	shutdownOTel, err := otel.SetupOTelSDK(ctx, cfg.Logging.UseOTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OTEL SDK: %w", err)
	}
	defer func() {
		// Something failed to initialize, make sure everything gets flushed to the server
		if server.otelShutdown == nil {
			otelShutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				time.Second*time.Duration(cfg.GracefulShutdownSecs),
			)
			defer cancel()

			if err = shutdownOTel(otelShutdownCtx); err != nil {
				logger.Logger.Error("failed to flush otel data", "error", err)
			}
		}
	}()

	ctx, span := tracer.Start(ctx, "initServer")
	defer span.End()

	logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize database")
		return nil, err
	}

	span.AddEvent("initialized database")

	if err = models.LoadAPIKeysFromConfig(ctx, db, cfg.APIKeys); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load API keys from config")
		return nil, fmt.Errorf("failed to load API keys from config: %w", err)
	}

	span.AddEvent("loaded api keys from config")

	backend, err := cluster.NewBackend(
		cfg.Kubernetes.Provider,
		cfg.Kubernetes.KubeConfigPath,
		cfg.Kubernetes.InCluster,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct cluster backend")
		return nil, fmt.Errorf("failed to construct cluster backend: %w", err)
	}

	span.AddEvent("initialized cluster backend")

	policyStore := policy.NewStore(db)
	resolver := namespaces.NewResolver(backend, policyStore)

	orchestrator, err := jobs.NewOrchestrator(
		backend,
		resolver,
		policyStore,
		cfg.Kubernetes.ContainerRegistry,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct orchestrator")
		return nil, err
	}

	uploader, err := buildUploader(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct uploader")
		return nil, err
	}

	resultsQueue, err := queue.NewAzureQueuer(
		cfg.Storage.Name,
		cfg.Storage.Key,
		cfg.Messaging.Queues.URL,
		cfg.Messaging.Queues.TestResults,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct results queue")
		return nil, err
	}

	cleanupQueue, err := queue.NewAzureQueuer(
		cfg.Storage.Name,
		cfg.Storage.Key,
		cfg.Messaging.Queues.URL,
		cfg.Messaging.Queues.Cleanup,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct cleanup queue")
		return nil, err
	}

	var sendGridAPIKey, senderEmail string
	if cfg.Notifications != nil {
		sendGridAPIKey = cfg.Notifications.SendGrid.APIKey
		senderEmail = cfg.Notifications.SendGrid.SenderEmail
	}
	notifier := monitoring.NewDispatcher(policyStore, sendGridAPIKey, senderEmail)
	alerts := monitoring.NewAlertManager(policyStore, notifier)

	trackerClient, err := tracker.NewTracker(db, policyStore, uploader, resultsQueue, alerts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct tracker")
		return nil, err
	}

	submitter := &jobs.Submitter{Tracker: trackerClient, Orchestrator: orchestrator}

	schedulerEngine := scheduler.NewEngine(db, func(ctx context.Context, request types.JobRequest) error {
		_, _, err := submitter.Submit(ctx, request)
		return err
	})

	collector, err := monitoring.NewCollector(backend, policyStore, alerts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct collector")
		return nil, err
	}

	taskRunnerClient := taskrunner.Create()

	reportingService := reporting.NewService(db)

	e, err := routes.BuildEcho(logger.Logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error building router")
		return nil, fmt.Errorf("error building router: %w", err)
	}

	span.AddEvent("created echo router")

	middlewareHandler := servermiddleware.Handler{DB: db}

	tenantHandler := tenant.Handler{
		DB:           db,
		Submitter:    submitter,
		Orchestrator: orchestrator,
		Tracker:      trackerClient,
		Scheduler:    schedulerEngine,
		Policy:       policyStore,
		CleanupQueue: cleanupQueue,
		Config:       cfg,
	}
	tenantHandler.AddRoutes(e, &middlewareHandler)

	adminHandler := adminroutes.Handler{
		Policy:    policyStore,
		Reporting: reportingService,
		Notifier:  notifier,
	}
	adminHandler.AddRoutes(e, &middlewareHandler)

	healthHandler := routes.HealthHandler{DB: db, Backend: backend}
	healthHandler.AddRoutes(e)

	server.tickers = tickers.NewRunner(
		taskRunnerClient,
		collector,
		schedulerEngine,
		trackerClient,
		backend,
		policyStore,
		notifier,
	)

	server.otelShutdown = shutdownOTel
	server.router = e
	server.db = db
	server.taskRunner = taskRunnerClient
	server.cleanupQueue = cleanupQueue
	server.orchestrator = orchestrator

	return server, nil
}

func (s *server) Start(ctx context.Context) error {
	tickersCtx, tickersStop := context.WithCancel(ctx)
	s.tickersStop = tickersStop
	s.tickers.Start(tickersCtx)

	// TODO: make this shutdown gracefully
	go jobs.MonitorCleanupQueue(ctx, s.cleanupQueue, s.orchestrator)

	logger.Logger.Info("Starting services...")

	err := s.router.Start(s.config.ListenAddress)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *server) Shutdown() error {
	var errs error

	ctx, cancelTimeout := context.WithTimeout(
		context.Background(),
		time.Second*time.Duration(s.config.GracefulShutdownSecs),
	)
	defer cancelTimeout()

	if s.tickersStop != nil {
		s.tickersStop()
	}

	if err := s.router.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, err)
	}

	if err := s.taskRunner.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("failed to shutdown taskRunner gracefully: %w", err))
	}

	if s.otelShutdown != nil {
		errs = errors.Join(errs, s.otelShutdown(ctx))
	}

	return errs
}

func serve(ctx context.Context, cancelSignal context.CancelFunc) error {
	server, err := initServer(ctx)
	if err != nil {
		return err
	}

	errch := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Got shutdown signal!")
		errch <- server.Shutdown()
		close(errch)
	}()

	if err := server.Start(ctx); err != nil {
		cancelSignal()
		return err
	}

	if err := <-errch; err != nil {
		logger.Logger.Error("Error shutting down server", "error", err)
	}

	return nil
}

func migrate(ctx context.Context) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	_, err = openDatabase(ctx, cfg)
	if err != nil {
		return err
	}

	logger.Logger.Info("migrations applied", "database", cfg.Postgres.Database)
	return nil
}

func main() {
	ctx, cancelSignal := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer cancelSignal()

	logger.InitSlog()

	root := &cobra.Command{
		Use:          "server",
		Short:        "Test execution control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cancelSignal)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context())
		},
	})

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Logger.Error(err.Error())
		cancelSignal()
		os.Exit(1)
	}
}
