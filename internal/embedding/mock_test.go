package embedding

import (
	"context"
	"math"
	"testing"
)

func TestMockExtractorDeterministic(t *testing.T) {
	ex := NewMockExtractor(64)
	pcm := []byte("the same audio bytes")

	a, err := ex.Extract(context.Background(), pcm, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ex.Extract(context.Background(), pcm, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Fatalf("dim = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestMockExtractorUnitNorm(t *testing.T) {
	ex := NewMockExtractor(32)
	emb, err := ex.Extract(context.Background(), []byte("audio"), 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	var norm float64
	for _, v := range emb {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-9 {
		t.Fatalf("norm = %v, want 1", math.Sqrt(norm))
	}
}

func TestMockExtractorDistinguishesAudio(t *testing.T) {
	ex := NewMockExtractor(32)
	a, _ := ex.Extract(context.Background(), []byte("speaker one"), 16000, 1)
	b, _ := ex.Extract(context.Background(), []byte("speaker two"), 16000, 1)

	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	if math.Abs(dot) > 0.9 {
		t.Fatalf("different audio should give dissimilar embeddings, cosine %v", dot)
	}
}

func TestMockExtractorEmptyAudio(t *testing.T) {
	ex := NewMockExtractor(32)
	emb, err := ex.Extract(context.Background(), nil, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if emb != nil {
		t.Fatalf("empty audio should yield no embedding, got %d values", len(emb))
	}
}
