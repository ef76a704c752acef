// main package for the speechie service
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

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/commands"
	"github.com/book-expert/speechie/internal/config"
	"github.com/book-expert/speechie/internal/coordinator"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/metrics"
	"github.com/book-expert/speechie/internal/notify"
	"github.com/book-expert/speechie/internal/objectstore"
	"github.com/book-expert/speechie/internal/poller"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/relay"
	"github.com/book-expert/speechie/internal/settings"
	"github.com/book-expert/speechie/internal/synthesis"
	"github.com/book-expert/speechie/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	serviceName       = "speechie-service"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, serviceName+".log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// service holds everything run needs to start and stop.
type service struct {
	worker      *worker.NatsWorker
	coordinator *coordinator.Coordinator
	httpServer  *http.Server
	shutdown    func(context.Context) error
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
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

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	svc, err := buildService(cfg, natsConnection, finalLog)
	if err != nil {
		finalLog.Error("Failed to build service: %v", err)

		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveHTTP(svc.httpServer, finalLog)

	finalLog.System("Speechie successfully initialized. Listening for commands on subject: %s", protocol.SubjectCommands)

	runErr := svc.worker.Run(ctx)

	finalLog.System("Shutting down, waiting for running requests.")
	svc.coordinator.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, svc.httpServer.Shutdown(shutdownCtx), svc.shutdown(shutdownCtx))
}

func buildService(cfg *config.Config, natsConnection *nats.Conn, log *logger.Logger) (*service, error) {
	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	settingsStore, err := settings.New(jetstreamContext, cfg.Settings.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}

	meterProvider, metricsHandler, err := metrics.Setup()
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	recorder, err := metrics.NewRecorder(meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics recorder: %w", err)
	}

	archive, err := buildArchive(cfg, jetstreamContext, log)
	if err != nil {
		return nil, err
	}

	client := synthesis.NewClient(cfg.Synthesis.BaseURL, cfg.Synthesis.Bitrate, cfg.Synthesis.RequestTimeout())

	statusPoller, err := poller.New(client, cfg.Synthesis.PollConfig(), log, recorder)
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	bridge := relay.NewBridge(natsConnection, cfg.NATS.RelayTimeout(), recorder)
	notifier := notify.New(natsConnection, log)

	jobs := coordinator.New(coordinator.Dependencies{
		Client:   client,
		Poller:   statusPoller,
		Settings: settingsStore,
		Relay:    bridge,
		Notifier: notifier,
		Archive:  archive,
		Metrics:  recorder,
	}, cfg.Synthesis.DefaultVoice, log)

	router := commands.NewRouter(bridge, jobs, notifier, log)

	commandWorker, err := worker.NewNatsWorker(natsConnection, protocol.SubjectCommands, router, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           metrics.NewRouter(natsConnection.IsConnected, metricsHandler),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return &service{
		worker:      commandWorker,
		coordinator: jobs,
		httpServer:  httpServer,
		shutdown:    meterProvider.Shutdown,
	}, nil
}

// buildArchive returns nil when archiving is disabled.
func buildArchive(cfg *config.Config, jetstreamContext nats.JetStreamContext, log *logger.Logger) (core.AudioArchiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}

	archive, err := objectstore.New(jetstreamContext, cfg.Archive.Bucket, &http.Client{Timeout: cfg.Synthesis.RequestTimeout()})
	if err != nil {
		return nil, fmt.Errorf("failed to open audio archive: %w", err)
	}

	log.Info("Archiving finished audio to bucket %s", cfg.Archive.Bucket)

	return archive, nil
}

func serveHTTP(server *http.Server, log *logger.Logger) {
	log.Info("Serving health and metrics on %s", server.Addr)

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Health and metrics server stopped: %v", err)
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
