package embedding

import (
	"context"
	"fmt"

	"github.com/sonalabs/sona-core/internal/config"
)

// Extractor turns raw speech audio into a speaker embedding.
type Extractor interface {
	Extract(ctx context.Context, pcm []byte, sampleRate, channels int) ([]float64, error)
}

// New builds the extractor selected by cfg.Mode.
func New(cfg config.EmbeddingConfig) (Extractor, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockExtractor(cfg.Dim), nil
	case "exec":
		return NewExecExtractor(cfg.Command, cfg.Dim)
	default:
		return nil, fmt.Errorf("unknown embedding mode %q", cfg.Mode)
	}
}
