package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sonalabs/sona-core/internal/bus"
	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/protocol"
)

// Service turns resolved utterances into LLM requests and model
// replies into TTS requests. Utterances that ended in a clarifying
// question are not forwarded; the identity core owns that exchange
// until the speaker answers.
type Service struct {
	cfg         config.RouterConfig
	bus         *bus.Client
	logger      *slog.Logger
	subResolved *nats.Subscription
	subLLM      *nats.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sessions    map[string]*sessionState
	mu          sync.Mutex
}

type sessionState struct {
	LastPrompt string
	Speaker    string
	Voice      string
	Tier       string
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectIdentityResolved, s.handleResolution)
	if err != nil {
		return err
	}
	s.subResolved = sub

	subLLM, err := s.bus.Conn().Subscribe(protocol.SubjectLLMResponseFinal, s.handleLLMResponse)
	if err != nil {
		s.subResolved.Drain()
		return err
	}
	s.subLLM = subLLM
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subResolved != nil {
		_ = s.subResolved.Drain()
	}
	if s.subLLM != nil {
		_ = s.subLLM.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subResolved != nil && s.subLLM != nil)
}

func (s *Service) handleResolution(msg *nats.Msg) {
	var res protocol.IdentityResolution
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		s.logger.Warn("router failed to decode identity resolution", slogError(err))
		return
	}
	if res.Text == "" {
		return
	}
	if res.Question != "" {
		// The identity core already asked the speaker something; the
		// utterance resumes through a later resolution.
		s.logger.Debug("holding utterance pending identity question",
			slog.String("session_id", res.SessionID),
			slog.String("outcome", res.Outcome))
		return
	}

	s.mu.Lock()
	s.sessions[res.SessionID] = &sessionState{
		LastPrompt: res.Text,
		Speaker:    res.DisplayName,
		Voice:      s.cfg.DefaultVoice,
		Tier:       s.cfg.DefaultTier,
	}
	s.mu.Unlock()

	req := protocol.LLMRequest{
		SessionID: res.SessionID,
		Prompt:    res.Text,
		Speaker:   res.DisplayName,
		Tier:      s.cfg.DefaultTier,
		Timestamp: time.Now().UTC(),
		TraceID:   res.TraceID,
	}
	if err := s.bus.PublishJSON(protocol.SubjectLLMRequest, req); err != nil {
		s.logger.Warn("router failed to publish llm request", slogError(err))
	}
}

func (s *Service) handleLLMResponse(msg *nats.Msg) {
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("router failed to decode llm response", slogError(err))
		return
	}
	if resp.Content == "" {
		return
	}

	s.mu.Lock()
	state := s.sessions[resp.SessionID]
	if state != nil {
		delete(s.sessions, resp.SessionID)
	}
	s.mu.Unlock()

	voice := s.cfg.DefaultVoice
	if state != nil && state.Voice != "" {
		voice = state.Voice
	}

	req := protocol.TTSRequest{
		SessionID: resp.SessionID,
		Text:      resp.Content,
		Voice:     voice,
		Target:    s.cfg.Target,
		TraceID:   resp.TraceID,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
			s.logger.Warn("router failed to publish tts request", slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
