package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Identity    IdentityConfig   `yaml:"identity"`
	Embedding   EmbeddingConfig  `yaml:"embedding"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// IdentityConfig tunes the speaker-identity resolution engine. The
// threshold values are empirical defaults; validate() enforces
// separation < verification < confident.
type IdentityConfig struct {
	StorePath             string  `yaml:"store_path"`
	Strategy              string  `yaml:"strategy"` // advanced, basic
	SeparationThreshold   float64 `yaml:"separation_threshold"`
	VerificationThreshold float64 `yaml:"verification_threshold"`
	ConfidentThreshold    float64 `yaml:"confident_threshold"`
	VoiceTrustThreshold   float64 `yaml:"voice_trust_threshold"`
	ConflictAskThreshold  float64 `yaml:"conflict_ask_threshold"`
	MinCentroidGap        float64 `yaml:"min_centroid_gap"`
	MaxEmbeddingsNamed    int     `yaml:"max_embeddings_named"`
	MaxEmbeddingsCluster  int     `yaml:"max_embeddings_cluster"`
	MaxSessionClusters    int     `yaml:"max_session_clusters"`
	StartupWindow         int     `yaml:"startup_window"`
	FallbackIdentity      string  `yaml:"fallback_identity"`
	ClusterMaxAgeDays     int     `yaml:"cluster_max_age_days"`
}

type EmbeddingConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec
	Command      string  `yaml:"command"`
	Dim          int     `yaml:"dim"`
	MinNonZero   float64 `yaml:"min_non_zero_ratio"`
	MinMagnitude float64 `yaml:"min_magnitude"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type RouterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultTier  string `yaml:"default_tier"`
	DefaultVoice string `yaml:"default_voice"`
	Target       string `yaml:"target"`
}

func Default() Config {
	return Config{
		RuntimeName: "sona-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "sona-node-1",
			Role:              "runtime",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "runtime.core", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/sona-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Identity: IdentityConfig{
			StorePath:             "./data/voice_profiles.json",
			Strategy:              "advanced",
			SeparationThreshold:   0.55,
			VerificationThreshold: 0.65,
			ConfidentThreshold:    0.75,
			VoiceTrustThreshold:   0.90,
			ConflictAskThreshold:  0.80,
			MinCentroidGap:        0.08,
			MaxEmbeddingsNamed:    20,
			MaxEmbeddingsCluster:  15,
			MaxSessionClusters:    5,
			StartupWindow:         3,
			FallbackIdentity:      "Guest",
			ClusterMaxAgeDays:     7,
		},
		Embedding: EmbeddingConfig{
			Mode:         "mock",
			Dim:          256,
			MinNonZero:   0.1,
			MinMagnitude: 0.01,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
		},
		LLM: LLMConfig{
			Enabled:       false,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     256,
			Temperature:   0.7,
		},
		TTS: TTSConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Router: RouterConfig{
			Enabled:      true,
			DefaultTier:  "balanced",
			DefaultVoice: "en-US",
			Target:       "default",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SONA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SONA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SONA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SONA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SONA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SONA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SONA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SONA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SONA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SONA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SONA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SONA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SONA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SONA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SONA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SONA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SONA_NODE_ID")
	overrideString(&cfg.Node.Role, "SONA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SONA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SONA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SONA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SONA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SONA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SONA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SONA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Identity.StorePath, "SONA_IDENTITY_STORE_PATH")
	overrideString(&cfg.Identity.Strategy, "SONA_IDENTITY_STRATEGY")
	overrideFloat(&cfg.Identity.SeparationThreshold, "SONA_IDENTITY_SEPARATION_THRESHOLD")
	overrideFloat(&cfg.Identity.VerificationThreshold, "SONA_IDENTITY_VERIFICATION_THRESHOLD")
	overrideFloat(&cfg.Identity.ConfidentThreshold, "SONA_IDENTITY_CONFIDENT_THRESHOLD")
	overrideFloat(&cfg.Identity.VoiceTrustThreshold, "SONA_IDENTITY_VOICE_TRUST_THRESHOLD")
	overrideFloat(&cfg.Identity.ConflictAskThreshold, "SONA_IDENTITY_CONFLICT_ASK_THRESHOLD")
	overrideFloat(&cfg.Identity.MinCentroidGap, "SONA_IDENTITY_MIN_CENTROID_GAP")
	overrideInt(&cfg.Identity.MaxEmbeddingsNamed, "SONA_IDENTITY_MAX_EMBEDDINGS_NAMED")
	overrideInt(&cfg.Identity.MaxEmbeddingsCluster, "SONA_IDENTITY_MAX_EMBEDDINGS_CLUSTER")
	overrideInt(&cfg.Identity.MaxSessionClusters, "SONA_IDENTITY_MAX_SESSION_CLUSTERS")
	overrideInt(&cfg.Identity.StartupWindow, "SONA_IDENTITY_STARTUP_WINDOW")
	overrideString(&cfg.Identity.FallbackIdentity, "SONA_IDENTITY_FALLBACK")
	overrideInt(&cfg.Identity.ClusterMaxAgeDays, "SONA_IDENTITY_CLUSTER_MAX_AGE_DAYS")
	overrideString(&cfg.Embedding.Mode, "SONA_EMBEDDING_MODE")
	overrideString(&cfg.Embedding.Command, "SONA_EMBEDDING_COMMAND")
	overrideInt(&cfg.Embedding.Dim, "SONA_EMBEDDING_DIM")
	overrideFloat(&cfg.Embedding.MinNonZero, "SONA_EMBEDDING_MIN_NON_ZERO_RATIO")
	overrideFloat(&cfg.Embedding.MinMagnitude, "SONA_EMBEDDING_MIN_MAGNITUDE")
	overrideBool(&cfg.STT.Enabled, "SONA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SONA_STT_MODE")
	overrideString(&cfg.STT.Command, "SONA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SONA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SONA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "SONA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SONA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "SONA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "SONA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "SONA_STT_PUBLISH_INTERIM")
	overrideBool(&cfg.LLM.Enabled, "SONA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "SONA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SONA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "SONA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "SONA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "SONA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "SONA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "SONA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SONA_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "SONA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "SONA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "SONA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "SONA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "SONA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "SONA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "SONA_TTS_CHUNK_DURATION_MS")
	overrideBool(&cfg.Router.Enabled, "SONA_ROUTER_ENABLED")
	overrideString(&cfg.Router.DefaultTier, "SONA_ROUTER_DEFAULT_TIER")
	overrideString(&cfg.Router.DefaultVoice, "SONA_ROUTER_DEFAULT_VOICE")
	overrideString(&cfg.Router.Target, "SONA_ROUTER_TARGET")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Identity.StorePath == "" {
		return errors.New("identity.store_path must not be empty")
	}
	switch cfg.Identity.Strategy {
	case "advanced", "basic":
	default:
		return errors.New("identity.strategy must be one of advanced|basic")
	}
	id := cfg.Identity
	if id.SeparationThreshold <= 0 || id.ConfidentThreshold >= 1 {
		return errors.New("identity thresholds must lie in (0, 1)")
	}
	if !(id.SeparationThreshold < id.VerificationThreshold && id.VerificationThreshold < id.ConfidentThreshold) {
		return errors.New("identity thresholds must satisfy separation < verification < confident")
	}
	if id.ConflictAskThreshold >= id.VoiceTrustThreshold {
		return errors.New("identity.conflict_ask_threshold must be below voice_trust_threshold")
	}
	if id.MinCentroidGap < 0 || id.MinCentroidGap >= 1 {
		return errors.New("identity.min_centroid_gap must lie in [0, 1)")
	}
	if id.MaxEmbeddingsNamed <= 0 || id.MaxEmbeddingsCluster <= 0 {
		return errors.New("identity embedding bounds must be >= 1")
	}
	if id.MaxSessionClusters <= 0 {
		return errors.New("identity.max_session_clusters must be >= 1")
	}
	if id.FallbackIdentity == "" {
		return errors.New("identity.fallback_identity must not be empty")
	}
	switch cfg.Embedding.Mode {
	case "mock", "exec":
	default:
		return errors.New("embedding.mode must be one of mock|exec")
	}
	if cfg.Embedding.Mode == "exec" && cfg.Embedding.Command == "" {
		return errors.New("embedding.command must be set when mode=exec")
	}
	if cfg.Embedding.Dim <= 0 {
		return errors.New("embedding.dim must be positive")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	return nil
}
