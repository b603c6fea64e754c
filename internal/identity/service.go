package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sonalabs/sona-core/internal/bus"
	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/protocol"
)

// InteractionRecorder receives one entry per resolved utterance. The
// event store implements it; tests use a stub.
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, sessionID, speaker, outcome, text string, similarity float64) error
}

// Service wires the resolver to the bus: utterances in, resolutions
// out. Resolver calls are serialized, the state machine is not safe for
// concurrent use.
type Service struct {
	cfg      config.IdentityConfig
	bus      *bus.Client
	logger   *slog.Logger
	store    Store
	resolver Resolver
	recorder InteractionRecorder

	resolutions metric.Int64Counter

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

func NewService(parent context.Context, cfg config.IdentityConfig, embCfg config.EmbeddingConfig, busClient *bus.Client, store Store, recorder InteractionRecorder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("sona.identity")
	resolutions, err := meter.Int64Counter("identity.resolutions",
		metric.WithDescription("Speaker resolutions by outcome"))
	if err != nil {
		logger.Warn("failed to create resolution counter", slogError(err))
	}
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		logger:      logger.With(slog.String("component", "identity")),
		store:       store,
		resolver:    NewResolver(cfg, embCfg, store, logger),
		recorder:    recorder,
		resolutions: resolutions,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectUtterance, s.handleUtterance)
	if err != nil {
		return err
	}
	s.sub = sub
	s.ready = true

	s.wg.Add(1)
	go s.janitor()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

// Store exposes the profile store for health reporting.
func (s *Service) Store() Store {
	return s.store
}

func (s *Service) handleUtterance(msg *nats.Msg) {
	var utt protocol.Utterance
	if err := json.Unmarshal(msg.Data, &utt); err != nil {
		s.logger.Warn("failed to decode utterance", slogError(err))
		return
	}

	s.mu.Lock()
	res, err := s.resolver.Resolve(utt.SessionID, utt.Text, utt.Embedding)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("speaker resolution failed", slogError(err),
			slog.String("session", utt.SessionID))
		return
	}

	s.logger.Info("resolved speaker",
		slog.String("session", utt.SessionID),
		slog.String("identity", res.IdentityID),
		slog.String("outcome", res.Outcome),
		slog.Float64("similarity", res.Similarity))

	if s.resolutions != nil {
		s.resolutions.Add(s.ctx, 1, metric.WithAttributes(
			attribute.String("outcome", res.Outcome)))
	}

	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		if err := s.recorder.RecordInteraction(ctx, utt.SessionID, res.IdentityID, res.Outcome, utt.Text, res.Similarity); err != nil {
			s.logger.Warn("failed to record interaction", slogError(err))
		}
		cancel()
	}

	resolution := protocol.IdentityResolution{
		SessionID:   utt.SessionID,
		IdentityID:  res.IdentityID,
		DisplayName: res.DisplayName,
		Outcome:     res.Outcome,
		Similarity:  res.Similarity,
		Question:    res.Question,
		Text:        utt.Text,
		Timestamp:   time.Now().UTC(),
		TraceID:     utt.TraceID,
	}
	if err := s.bus.PublishJSON(protocol.SubjectIdentityResolved, resolution); err != nil {
		s.logger.Warn("failed to publish resolution", slogError(err))
	}

	// Questions go straight to speech so the speaker can answer before
	// the conversation moves on.
	if res.Question != "" {
		req := protocol.TTSRequest{
			SessionID: utt.SessionID,
			Text:      res.Question,
			TraceID:   utt.TraceID,
		}
		if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
			s.logger.Warn("failed to publish identity question", slogError(err))
		}
	}
}

// janitor periodically drops stale anonymous clusters and old entries
// from the false-positive log.
func (s *Service) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			maxAge := time.Duration(s.cfg.ClusterMaxAgeDays) * 24 * time.Hour
			if removed, err := s.store.RemoveStaleClusters(maxAge); err != nil {
				s.logger.Warn("stale cluster cleanup failed", slogError(err))
			} else if removed > 0 {
				s.logger.Info("removed stale clusters", slog.Int("count", removed))
			}
			if removed := s.store.PruneFalsePositives(30 * 24 * time.Hour); removed > 0 {
				if err := s.store.Save(); err != nil {
					s.logger.Warn("failed to persist false positive cleanup", slogError(err))
				}
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
