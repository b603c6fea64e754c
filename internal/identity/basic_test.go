package identity

import (
	"path/filepath"
	"testing"

	"github.com/sonalabs/sona-core/internal/config"
)

func testBasicResolver(t *testing.T, mutate func(*config.IdentityConfig)) *BasicResolver {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.StorePath = filepath.Join(t.TempDir(), "profiles.json")
	if mutate != nil {
		mutate(&cfg.Identity)
	}
	store, err := Open(cfg.Identity, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewBasicResolver(cfg.Identity, cfg.Embedding, store, discardLogger())
}

func TestNewResolverSelectsStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.StorePath = filepath.Join(t.TempDir(), "profiles.json")
	store, err := Open(cfg.Identity, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, ok := NewResolver(cfg.Identity, cfg.Embedding, store, discardLogger()).(*AdvancedResolver); !ok {
		t.Fatal("default strategy should be advanced")
	}
	cfg.Identity.Strategy = "basic"
	if _, ok := NewResolver(cfg.Identity, cfg.Embedding, store, discardLogger()).(*BasicResolver); !ok {
		t.Fatal("basic strategy should select BasicResolver")
	}
}

func TestBasicResolveNewVoice(t *testing.T) {
	r := testBasicResolver(t, nil)
	res, err := r.Resolve("sess-1", "hello", vec(1.0))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeNewCluster {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNewCluster)
	}
	if res.IdentityID != "Anonymous_001" {
		t.Fatalf("identity = %q", res.IdentityID)
	}
}

func TestBasicResolveNeverAsks(t *testing.T) {
	r := testBasicResolver(t, nil)
	if _, err := r.Resolve("sess-1", "hello", vec(1.0)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Mid-band similarity: the advanced strategy would open a
	// confirmation round-trip here.
	res, err := r.Resolve("sess-1", "hello again", vec(0.70))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Question != "" {
		t.Fatalf("basic strategy asked a question: %q", res.Question)
	}
	if res.Outcome != OutcomeForcedSeparation {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeForcedSeparation)
	}
}

func TestBasicResolveHighConfidence(t *testing.T) {
	r := testBasicResolver(t, nil)
	if _, err := r.Resolve("sess-1", "hello", vec(1.0)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := r.Resolve("sess-1", "hello again", vec(0.97))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeHighConfidence {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeHighConfidence)
	}
	if res.IdentityID != "Anonymous_001" {
		t.Fatalf("identity = %q", res.IdentityID)
	}
}

func TestBasicResolveIntroductionLinks(t *testing.T) {
	r := testBasicResolver(t, nil)
	if _, err := r.Resolve("sess-1", "hello", vec(1.0)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := r.Resolve("sess-1", "my name is Dana", vec(0.97))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeNameConfirmed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNameConfirmed)
	}
	if res.IdentityID != "Dana" {
		t.Fatalf("identity = %q, want Dana", res.IdentityID)
	}
	if _, ok := r.store.Get("Anonymous_001"); ok {
		t.Fatal("linked cluster should be gone")
	}
}

func TestBasicResolveSessionClusterCap(t *testing.T) {
	r := testBasicResolver(t, func(cfg *config.IdentityConfig) {
		cfg.MaxSessionClusters = 1
	})
	if _, err := r.Resolve("sess-1", "hi", []float64{1, 0, 0}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := r.Resolve("sess-1", "hi", []float64{0, 1, 0})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeMaxClusters {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeMaxClusters)
	}
	if res.IdentityID != r.cfg.FallbackIdentity {
		t.Fatalf("identity = %q, want fallback", res.IdentityID)
	}
}

func TestBasicResolveAmbiguousMatchSeparates(t *testing.T) {
	r := testBasicResolver(t, nil)
	fs := r.store.(*FileStore)
	fs.doc.NamedIdentities["Alice"] = &Record{
		Embeddings:          [][]float64{vec(0.80)},
		Status:              StatusTrained,
		ConfidenceThreshold: defaultNamedThreshold,
	}
	fs.doc.NamedIdentities["Bob"] = &Record{
		Embeddings:          [][]float64{vec(0.78)},
		Status:              StatusTrained,
		ConfidenceThreshold: defaultNamedThreshold,
	}

	res, err := r.Resolve("sess-1", "hello", []float64{1, 0})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome == OutcomeHighConfidence || res.Outcome == OutcomeCentroidMatch {
		t.Fatalf("ambiguous match accepted confidently: %+v", res)
	}
	if res.Outcome != OutcomeForcedSeparation {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeForcedSeparation)
	}
}
