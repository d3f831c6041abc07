package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/micbridge/micbridge/internal/bus"
	"github.com/micbridge/micbridge/internal/config"
	"github.com/micbridge/micbridge/internal/eventstore"
	"github.com/micbridge/micbridge/internal/ingest"
	"github.com/micbridge/micbridge/internal/model"
	"github.com/micbridge/micbridge/internal/natsserver"
	"github.com/micbridge/micbridge/internal/relay"
	"github.com/micbridge/micbridge/internal/server"
	"github.com/micbridge/micbridge/internal/stt"
	"github.com/micbridge/micbridge/internal/vocab"
)

// Runtime owns the full service lifecycle: telemetry, model bootstrap,
// stores, the relay registry and the HTTP front end. Start blocks until the
// context is cancelled, then tears everything down in reverse order.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	if r.cfg.STT.Mode == "exec" && !r.cfg.Model.SkipBootstrap {
		if err := model.Ensure(ctx, r.cfg.Model, r.logger); err != nil {
			return fmt.Errorf("model bootstrap failed: %w", err)
		}
	}

	vocabulary := vocab.Load(r.cfg.Vocabulary.Path, r.logger)
	normalizer := vocab.NewNormalizer(vocabulary)

	recognizer, err := r.buildRecognizer()
	if err != nil {
		return fmt.Errorf("failed to build recognizer: %w", err)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}()

	var embedded *natsserver.EmbeddedServer
	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		if r.cfg.Bus.Embedded {
			embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded bus: %w", err)
			}
			defer embedded.Shutdown()
		}
		busClient, err = bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()
	}

	registry := relay.NewRegistry(ctx, r.cfg.Relay, vocabulary, r.logger)
	defer registry.Close()

	svc := ingest.NewService(r.cfg.STT, recognizer, normalizer, registry, store, busClient, r.logger)

	modelName := filepath.Base(r.cfg.Model.Dir)
	modelOK := r.modelProbe()
	srv := server.New(r.cfg.HTTP, svc, modelName, modelOK, vocabulary.Size(), r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	metricsServer := r.startMetricsServer(metricHandler)

	r.logger.Info("runtime started",
		slog.String("addr", srv.Addr()),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Int("vocab", vocabulary.Size()),
		slog.Bool("bus", busClient != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

func (r *Runtime) buildRecognizer() (stt.Recognizer, error) {
	switch r.cfg.STT.Mode {
	case "exec":
		return stt.NewExecRecognizer(r.cfg.STT)
	default:
		return stt.NewMockRecognizer(r.cfg.STT.MockText), nil
	}
}

// modelProbe returns the readiness check surfaced on /health. Mock mode has
// no model on disk, so it always reports ready.
func (r *Runtime) modelProbe() func() bool {
	if r.cfg.STT.Mode != "exec" {
		return func() bool { return true }
	}
	dir := r.cfg.Model.Dir
	return func() bool { return model.Ready(dir) }
}

func (r *Runtime) startMetricsServer(handler http.Handler) *http.Server {
	if handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics server started", slog.String("addr", srv.Addr))
	return srv
}
