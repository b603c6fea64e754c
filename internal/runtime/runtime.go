package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sonalabs/sona-core/internal/bus"
	"github.com/sonalabs/sona-core/internal/capability"
	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/embedding"
	"github.com/sonalabs/sona-core/internal/eventstore"
	"github.com/sonalabs/sona-core/internal/identity"
	"github.com/sonalabs/sona-core/internal/llm"
	"github.com/sonalabs/sona-core/internal/natsserver"
	"github.com/sonalabs/sona-core/internal/router"
	"github.com/sonalabs/sona-core/internal/stt"
	"github.com/sonalabs/sona-core/internal/tts"
)

// Runtime assembles the full voice pipeline: embedded bus, STT with
// embedding extraction, the identity core, response generation, TTS,
// and the router that connects them.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	events     *eventstore.Store
	identity   *identity.Service
	sttSvc     *stt.Service
	llmSvc     *llm.Service
	ttsSvc     *tts.Service
	routerSvc  *router.Service
	registry   *capability.Registry
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

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		server, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.natsServer = server
		defer r.natsServer.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = busClient
	defer r.busClient.Close()

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events
	defer r.events.Close()

	profileStore, err := identity.Open(r.cfg.Identity, r.logger)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}

	// SIGHUP re-reads the profile document so edits made with an
	// external tool take effect without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := profileStore.Reload(); err != nil {
					r.logger.Warn("profile reload failed", slog.String("error", err.Error()))
				} else {
					r.logger.Info("voice profiles reloaded from disk")
				}
			}
		}
	}()

	r.identity = identity.NewService(ctx, r.cfg.Identity, r.cfg.Embedding, busClient, profileStore, events, r.logger)
	if err := r.identity.Start(); err != nil {
		return fmt.Errorf("start identity service: %w", err)
	}
	defer r.identity.Close()

	if err := r.startPipeline(ctx, busClient); err != nil {
		return err
	}

	registry, err := capability.NewRegistry(ctx, r.cfg, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	defer r.registry.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/api/speakers", r.handleSpeakers)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.closePipeline()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startPipeline(ctx context.Context, busClient *bus.Client) error {
	extractor, err := embedding.New(r.cfg.Embedding)
	if err != nil {
		return fmt.Errorf("create embedding extractor: %w", err)
	}

	var recognizer stt.Recognizer
	switch r.cfg.STT.Mode {
	case "exec":
		recognizer, err = stt.NewExecRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create stt recognizer: %w", err)
		}
	default:
		recognizer = stt.NewMockRecognizer()
	}
	r.sttSvc = stt.NewService(ctx, r.cfg.STT, r.cfg.Embedding, busClient, recognizer, extractor)
	if err := r.sttSvc.Start(); err != nil {
		return fmt.Errorf("start stt service: %w", err)
	}

	var generator llm.Generator
	switch r.cfg.LLM.Mode {
	case "ollama":
		generator = llm.NewOllamaGenerator(r.cfg.LLM.Endpoint, r.cfg.LLM.ModelFast, r.cfg.LLM.ModelBalanced)
	case "exec":
		generator, err = llm.NewExecGenerator(r.cfg.LLM.Command)
		if err != nil {
			return fmt.Errorf("create llm generator: %w", err)
		}
	default:
		generator = llm.NewMockGenerator()
	}
	r.llmSvc = llm.NewService(ctx, r.cfg.LLM, busClient, generator, r.logger)
	if err := r.llmSvc.Start(); err != nil {
		return fmt.Errorf("start llm service: %w", err)
	}

	var synth tts.Synthesizer
	switch r.cfg.TTS.Mode {
	case "exec":
		synth, err = tts.NewExecSynth(r.cfg.TTS.Command, r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
		if err != nil {
			return fmt.Errorf("create tts synthesizer: %w", err)
		}
	default:
		synth = tts.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
	}
	r.ttsSvc = tts.NewService(ctx, r.cfg.TTS, busClient, synth, r.logger)
	if err := r.ttsSvc.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	r.routerSvc = router.NewService(ctx, r.cfg.Router, busClient, r.logger)
	if err := r.routerSvc.Start(); err != nil {
		return fmt.Errorf("start router service: %w", err)
	}

	return nil
}

func (r *Runtime) closePipeline() {
	if r.routerSvc != nil {
		r.routerSvc.Close()
	}
	if r.ttsSvc != nil {
		r.ttsSvc.Close()
	}
	if r.llmSvc != nil {
		r.llmSvc.Close()
	}
	if r.sttSvc != nil {
		r.sttSvc.Close()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() || !r.componentsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if r.identity != nil && !r.identity.Healthy() {
		return false
	}
	if r.sttSvc != nil && !r.sttSvc.Healthy() {
		return false
	}
	if r.llmSvc != nil && !r.llmSvc.Healthy() {
		return false
	}
	if r.ttsSvc != nil && !r.ttsSvc.Healthy() {
		return false
	}
	if r.routerSvc != nil && !r.routerSvc.Healthy() {
		return false
	}
	return true
}

// handleSpeakers reports who the runtime knows and how active they
// have been.
func (r *Runtime) handleSpeakers(w http.ResponseWriter, req *http.Request) {
	type speakersReport struct {
		Named          int                          `json:"named_identities"`
		Clusters       int                          `json:"anonymous_clusters"`
		FalsePositives int                          `json:"false_positives"`
		Embeddings     int                          `json:"stored_embeddings"`
		Activity       []eventstore.SpeakerActivity `json:"activity,omitempty"`
		Nodes          []capability.NodeInfo        `json:"nodes,omitempty"`
	}

	var report speakersReport
	if r.identity != nil {
		store := r.identity.Store()
		report.Named, report.Clusters, report.FalsePositives = store.Counts()
		report.Embeddings = store.TotalEmbeddings()
	}
	if r.events != nil {
		activity, err := r.events.SpeakerSummary(req.Context())
		if err != nil {
			r.logger.Warn("speaker summary failed", slog.String("error", err.Error()))
		} else {
			report.Activity = activity
		}
	}
	if r.registry != nil {
		report.Nodes = r.registry.Query(capability.WithCapabilityFilter("audio-in"))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		r.logger.Warn("failed to encode speakers report", slog.String("error", err.Error()))
	}
}
