package capability

import (
	"fmt"

	"github.com/sonalabs/sona-core/internal/config"
)

// LocalCapabilities derives what this runtime can do from its own
// configuration. Explicit entries under node.capabilities win over
// derived ones with the same name, so operators can override the
// advertised tier or attributes without touching the pipeline config.
func LocalCapabilities(cfg config.Config) []Capability {
	derived := deriveFromPipeline(cfg)

	byName := make(map[string]int, len(derived))
	for i, cap := range derived {
		byName[cap.Name] = i
	}
	for _, nc := range cfg.Node.Capabilities {
		cap := Capability{Name: nc.Name, Tier: nc.Tier, Attributes: nc.Attributes}
		if i, ok := byName[cap.Name]; ok {
			derived[i] = cap
			continue
		}
		byName[cap.Name] = len(derived)
		derived = append(derived, cap)
	}
	return derived
}

func deriveFromPipeline(cfg config.Config) []Capability {
	var caps []Capability

	if cfg.STT.Enabled {
		caps = append(caps, Capability{
			Name: "audio-in",
			Attributes: map[string]string{
				"sample_rate": fmt.Sprintf("%d", cfg.STT.SampleRate),
				"channels":    fmt.Sprintf("%d", cfg.STT.Channels),
			},
		})
		stt := Capability{
			Name: "stt",
			Tier: cfg.STT.Mode,
		}
		if cfg.STT.Language != "" {
			stt.Attributes = map[string]string{"language": cfg.STT.Language}
		}
		caps = append(caps, stt)
	}

	if cfg.LLM.Enabled {
		if cfg.LLM.ModelFast != "" {
			caps = append(caps, Capability{
				Name:       "llm-fast",
				Tier:       cfg.LLM.Mode,
				Attributes: map[string]string{"model": cfg.LLM.ModelFast},
			})
		}
		if cfg.LLM.ModelBalanced != "" {
			caps = append(caps, Capability{
				Name:       "llm-balanced",
				Tier:       cfg.LLM.Mode,
				Attributes: map[string]string{"model": cfg.LLM.ModelBalanced},
			})
		}
	}

	if cfg.TTS.Enabled {
		tts := Capability{
			Name: "audio-out",
			Tier: cfg.TTS.Mode,
		}
		if cfg.TTS.Voice != "" {
			tts.Attributes = map[string]string{"voice": cfg.TTS.Voice}
		}
		caps = append(caps, tts)
	}

	caps = append(caps, Capability{
		Name: "speaker-identity",
		Tier: cfg.Identity.Strategy,
	})

	return caps
}
