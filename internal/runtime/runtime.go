package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/streamcast/internal/api"
	"github.com/loqalabs/streamcast/internal/augment"
	"github.com/loqalabs/streamcast/internal/bus"
	"github.com/loqalabs/streamcast/internal/catalog"
	"github.com/loqalabs/streamcast/internal/config"
	"github.com/loqalabs/streamcast/internal/digitalhuman"
	"github.com/loqalabs/streamcast/internal/eventstore"
	"github.com/loqalabs/streamcast/internal/llm"
	"github.com/loqalabs/streamcast/internal/natsserver"
	"github.com/loqalabs/streamcast/internal/pipeline"
	"github.com/loqalabs/streamcast/internal/tts"
)

const meterName = "github.com/loqalabs/streamcast/pipeline"

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error
	embedded       *natsserver.EmbeddedServer
	busClient      *bus.Client
	store          *eventstore.Store
	registry       *pipeline.Registry
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	handler, err := r.setup(ctx)
	if err != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return errors.Join(err, r.teardown(shutdownCtx))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if err := r.teardown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// setup builds the bus, event store, collaborators and pipeline, starts the
// synthesis workers and returns the routed HTTP handler.
func (r *Runtime) setup(ctx context.Context) (http.Handler, error) {
	var results pipeline.ResultBus
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = embedded
		if url := embedded.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.busClient = client
		results = bus.NewNotifier(client)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	generator, err := llm.NewGenerator(r.cfg.LLM, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm generator: %w", err)
	}
	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("failed to create tts synthesizer: %w", err)
	}
	renderer, err := digitalhuman.NewRenderer(r.cfg.DigitalHuman)
	if err != nil {
		return nil, fmt.Errorf("failed to create digital human renderer: %w", err)
	}
	agent := augment.NewAgent(r.cfg.Agent)
	retriever := augment.NewRetriever(r.cfg.RAG)

	r.registry = pipeline.NewRegistry(r.cfg, pipeline.RegistryDeps{
		Synthesizer: synth,
		Renderer:    renderer,
		Results:     results,
	}, r.logger)
	metrics, err := pipeline.NewMetrics(otel.Meter(meterName), r.registry.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	r.registry.SetMetrics(metrics)
	if err := r.registry.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start pipeline workers: %w", err)
	}

	orchestrator := pipeline.NewOrchestrator(r.cfg, pipeline.Deps{
		Registry:  r.registry,
		Generator: generator,
		Agent:     agent,
		Retriever: retriever,
		Store:     store,
		Metrics:   metrics,
	}, r.logger)
	products := catalog.NewStore(r.cfg.Catalog.Path, r.cfg.Catalog.BackupPath, retriever, r.logger)

	handler, err := api.NewHandler(orchestrator, products, r.logger)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	handler.Register(mux)
	return mux, nil
}

// teardown releases components in reverse dependency order.
func (r *Runtime) teardown(ctx context.Context) error {
	var errs []error
	if r.registry != nil {
		if err := r.registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline close: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store close: %w", err))
		}
	}
	r.busClient.Close()
	r.embedded.Shutdown()
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busDown := r.cfg.Bus.Enabled && !r.busClient.Healthy()
	if r.ready.Load() && !busDown {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
