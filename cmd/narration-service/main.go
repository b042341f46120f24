// main package for the narration-service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/api"
	"github.com/book-expert/narration-service/internal/app"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/runlog"
	"github.com/book-expert/narration-service/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	shutdownTimeout  = 30 * time.Second
	speechDependency = "speech"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "narration-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "narration-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	if !cfg.Worker.Enabled && !cfg.API.Enabled {
		finalLog.Warn("Neither [worker] nor [api] is enabled; starting the NATS worker")

		cfg.Worker.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	var observers []pipeline.Observer

	var runs *runlog.Store

	if cfg.Runlog.Enabled {
		store, err := runlog.Open(cfg.Runlog.Path, log)
		if err != nil {
			return fmt.Errorf("failed to open run log: %w", err)
		}

		defer func() { _ = store.Close() }()

		_, err = store.RecoverInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover interrupted runs: %w", err)
		}

		runs = store
		observers = append(observers, store)
	}

	var (
		natsConnection *nats.Conn
		status         *worker.StatusPublisher
	)

	if cfg.Worker.Enabled {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("narration-service"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}

		defer conn.Close()

		natsConnection = conn
		status = worker.NewStatusPublisher(conn, cfg.NATS.StatusSubject, log)
		observers = append(observers, status)
	}

	components, err := app.Build(cfg, log, observers...)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	logUnavailable(log, components.Doctor.Get(ctx))

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)

	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
	}

	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Worker.Enabled {
		natsWorker, workerErr := newWorker(natsConnection, cfg, components.Pipeline, status, log)
		if workerErr != nil {
			return workerErr
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			err := natsWorker.Run(serviceCtx)
			if err != nil {
				fail(fmt.Errorf("worker: %w", err))
				cancel()
			}
		}()
	}

	var server *api.Server

	if cfg.API.Enabled {
		server = api.NewServer(api.ServerConfig{
			Addr:              cfg.API.ListenAddr,
			UploadDir:         cfg.API.UploadDir,
			MaxUploadBytes:    int64(cfg.API.MaxUploadMB) << 20,
			MaxConcurrentRuns: cfg.Worker.MaxConcurrentRuns,
			Pipeline:          components.Pipeline,
			Runs:              runStore(runs),
			Doctor:            components.Doctor,
			Logger:            log,
			StartTime:         time.Now(),
			Version:           version,
		})

		wg.Add(1)

		go func() {
			defer wg.Done()

			err := server.Start()
			if err != nil {
				fail(fmt.Errorf("http server: %w", err))
				cancel()
			}
		}()
	}

	log.System("Narration service %s started (worker=%t, api=%t)", version, cfg.Worker.Enabled, cfg.API.Enabled)

	<-serviceCtx.Done()

	log.Info("Initiating graceful shutdown")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		err = server.Shutdown(shutdownCtx)
		if err != nil {
			log.Error("Failed to shut down HTTP server: %v", err)
		}
	}

	wg.Wait()

	log.Info("Shutdown complete")

	return runErr
}

// logUnavailable warns about every dependency the doctor could not reach and
// returns their names.
func logUnavailable(log *logger.Logger, report *doctor.Report) []string {
	var missing []string

	for _, name := range report.Names() {
		dep := report.Executables[name]
		if !dep.Available {
			log.Warn("Dependency %s unavailable: %s", name, dep.Error)

			missing = append(missing, name)
		}
	}

	if report.Speech != nil && !report.Speech.Available {
		log.Warn("Speech service unavailable: %s", report.Speech.Error)

		missing = append(missing, speechDependency)
	}

	return missing
}

func newWorker(
	natsConnection *nats.Conn,
	cfg *config.Config,
	runner worker.Runner,
	status *worker.StatusPublisher,
	log *logger.Logger,
) (*worker.NatsWorker, error) {
	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.VideoObjectBucket)
	if err != nil {
		return nil, err
	}

	return worker.NewNatsWorker(natsConnection, worker.Config{
		Subject:           cfg.NATS.RequestSubject,
		QueueGroup:        cfg.NATS.QueueGroup,
		WorkDir:           cfg.Worker.WorkDir,
		MaxConcurrentRuns: cfg.Worker.MaxConcurrentRuns,
		RunTimeout:        cfg.RunTimeout(),
		DeleteInput:       cfg.Worker.DeleteInput,
	}, store, runner, status, log)
}

// runStore keeps a nil *runlog.Store from becoming a non-nil interface.
func runStore(store *runlog.Store) api.RunStore {
	if store == nil {
		return nil
	}

	return store
}

func main() {
	err := run()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
