package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// mockExtractor derives a deterministic unit vector from the audio
// bytes. The same audio always maps to the same embedding, so clustering
// behaves sensibly in demos and tests without a real voice model.
type mockExtractor struct {
	dim int
}

func NewMockExtractor(dim int) Extractor {
	return &mockExtractor{dim: dim}
}

func (m *mockExtractor) Extract(_ context.Context, pcm []byte, _, _ int) ([]float64, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	h := fnv.New64a()
	h.Write(pcm)
	seed := h.Sum64()

	out := make([]float64, m.dim)
	var norm float64
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = float64(int64(seed>>11))/float64(1<<52) - 1
		norm += out[i] * out[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, nil
	}
	for i := range out {
		out[i] /= norm
	}
	return out, nil
}
