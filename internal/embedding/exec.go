package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execExtractor shells out to an external speaker-embedding model. The
// command receives one JSON request on stdin and must print one JSON
// response on stdout.
type execExtractor struct {
	cmd []string
	dim int
	mu  sync.Mutex
}

type execRequest struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Dim        int    `json:"dim"`
}

type execResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

func NewExecExtractor(command string, dim int) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse embedding command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("embedding command empty")
	}
	return &execExtractor{cmd: args, dim: dim}, nil
}

func (e *execExtractor) Extract(ctx context.Context, pcm []byte, sampleRate, channels int) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		PCMBase64:  base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
		Channels:   channels,
		Dim:        e.dim,
	})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run embedding command: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding output: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("embedding command: %s", resp.Error)
	}
	if e.dim > 0 && len(resp.Embedding) != e.dim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(resp.Embedding), e.dim)
	}
	return resp.Embedding, nil
}
