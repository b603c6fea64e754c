package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/sonalabs/sona-core/internal/config"
)

func testResolver(t *testing.T, mutate func(*config.IdentityConfig)) *AdvancedResolver {
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
	return NewAdvancedResolver(cfg.Identity, cfg.Embedding, store, discardLogger())
}

func resolve(t *testing.T, r *AdvancedResolver, text string, embedding []float64) Result {
	t.Helper()
	res, err := r.Resolve("sess-1", text, embedding)
	if err != nil {
		t.Fatalf("resolve %q: %v", text, err)
	}
	return res
}

func TestResolveNoEmbeddingRefreshesCurrentSpeaker(t *testing.T) {
	r := testResolver(t, nil)
	first := resolve(t, r, "hello", vec(0.5))
	if first.IdentityID == "" {
		t.Fatalf("expected a cluster, got %+v", first)
	}
	before, _ := r.store.Get(first.IdentityID)
	wantCount := before.InteractionCount

	res := resolve(t, r, "turn it off", nil)
	if res.Outcome != OutcomeNoEmbedding {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNoEmbedding)
	}
	after, _ := r.store.Get(first.IdentityID)
	if after.InteractionCount != wantCount+1 {
		t.Fatalf("interaction count = %d, want %d; embedding-less turns should still count for the speaker", after.InteractionCount, wantCount+1)
	}
}

func TestResolveNoEmbedding(t *testing.T) {
	r := testResolver(t, nil)
	res := resolve(t, r, "hello", nil)
	if res.Outcome != OutcomeNoEmbedding {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNoEmbedding)
	}
	if res.IdentityID != r.cfg.FallbackIdentity {
		t.Fatalf("identity = %q, want fallback %q", res.IdentityID, r.cfg.FallbackIdentity)
	}
}

func TestResolvePoorEmbedding(t *testing.T) {
	r := testResolver(t, nil)
	res := resolve(t, r, "hello", []float64{1e-5, 1e-5})
	if res.Outcome != OutcomePoorEmbedding {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomePoorEmbedding)
	}
}

func TestResolveNewVoiceCreatesCluster(t *testing.T) {
	r := testResolver(t, nil)
	res := resolve(t, r, "hello there", []float64{1, 0})
	if res.Outcome != OutcomeNewCluster {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNewCluster)
	}
	if res.IdentityID != "Anonymous_001" {
		t.Fatalf("identity = %q, want Anonymous_001", res.IdentityID)
	}
	if res.DisplayName != "Speaker 1" {
		t.Fatalf("display name = %q, want Speaker 1", res.DisplayName)
	}
}

func TestResolveCentroidMatchInStartupWindow(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})

	res := resolve(t, r, "hello again", []float64{1, 0})
	if res.Outcome != OutcomeCentroidMatch {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeCentroidMatch)
	}
	if res.IdentityID != "Anonymous_001" {
		t.Fatalf("identity = %q, want Anonymous_001", res.IdentityID)
	}
}

func TestResolveHighConfidenceAfterStartupWindow(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "one", []float64{1, 0})
	resolve(t, r, "two", []float64{1, 0})
	resolve(t, r, "three", []float64{1, 0})

	// Interaction four is past the startup window.
	res := resolve(t, r, "four", []float64{1, 0})
	if res.Outcome != OutcomeHighConfidence {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeHighConfidence)
	}
	if res.Similarity < r.cfg.ConfidentThreshold {
		t.Fatalf("similarity %v below confident threshold", res.Similarity)
	}
}

func TestResolveIntroductionLinksCluster(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})

	res := resolve(t, r, "my name is Alice", []float64{1, 0})
	if res.Outcome != OutcomeNameConfirmed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNameConfirmed)
	}
	if res.IdentityID != "Alice" {
		t.Fatalf("identity = %q, want Alice", res.IdentityID)
	}
	if _, ok := r.store.Get("Anonymous_001"); ok {
		t.Fatal("linked cluster should be gone")
	}
	rec, ok := r.store.Get("Alice")
	if !ok {
		t.Fatal("Alice should exist after linking")
	}
	if rec.Status != StatusTrained {
		t.Fatalf("status = %q, want %q", rec.Status, StatusTrained)
	}
}

func TestResolveVerificationBandAsksForName(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})

	// Similarity 0.70 lands between verification and confident.
	res := resolve(t, r, "hi", vec(0.70))
	if res.Outcome != OutcomeAskingName {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeAskingName)
	}
	if res.Question == "" {
		t.Fatal("verification should carry a question")
	}
}

func TestResolveVerificationBandConfirmsNamedIdentity(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	res := resolve(t, r, "hi", vec(0.70))
	if res.Outcome != OutcomeAskingVoice {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeAskingVoice)
	}
	if !strings.Contains(res.Question, "Alice") {
		t.Fatalf("question %q should name Alice", res.Question)
	}

	confirmed := resolve(t, r, "yes", vec(0.70))
	if confirmed.Outcome != OutcomeNameConfirmed {
		t.Fatalf("outcome = %q, want %q", confirmed.Outcome, OutcomeNameConfirmed)
	}
	if confirmed.IdentityID != "Alice" {
		t.Fatalf("identity = %q, want Alice", confirmed.IdentityID)
	}
}

func TestResolveVoiceConfirmationRejectedCreatesCluster(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	resolve(t, r, "hi", vec(0.70))
	res := resolve(t, r, "no", vec(0.70))
	if res.Outcome != OutcomeNewCluster {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNewCluster)
	}
	if !IsAnonymousKey(res.IdentityID) {
		t.Fatalf("rejection should land in a fresh cluster, got %q", res.IdentityID)
	}
}

func TestResolveVoiceConfirmationRepromptsOnce(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	resolve(t, r, "hi", vec(0.70))
	res := resolve(t, r, "what do you mean", vec(0.70))
	if res.Outcome != OutcomeAskingVoice {
		t.Fatalf("unclear reply should re-prompt, got %q", res.Outcome)
	}
	if !strings.Contains(res.Question, "yes or no") {
		t.Fatalf("re-prompt question = %q", res.Question)
	}

	// Second unclear reply abandons the confirmation.
	res = resolve(t, r, "the weather is nice", vec(0.70))
	if res.Outcome == OutcomeAskingVoice {
		t.Fatal("second unclear reply should not re-prompt again")
	}
}

func TestResolveNameReplyPlainWord(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})

	res := resolve(t, r, "hi", vec(0.70))
	if res.Outcome != OutcomeAskingName {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeAskingName)
	}

	named := resolve(t, r, "carol", vec(0.70))
	if named.Outcome != OutcomeNameConfirmed {
		t.Fatalf("outcome = %q, want %q", named.Outcome, OutcomeNameConfirmed)
	}
	if named.IdentityID != "Carol" {
		t.Fatalf("identity = %q, want Carol", named.IdentityID)
	}
}

func TestResolveForcedSeparation(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	// Similar enough to be suspicious, too far to confirm.
	res := resolve(t, r, "hey", vec(0.58))
	if res.Outcome != OutcomeForcedSeparation {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeForcedSeparation)
	}
	if !IsAnonymousKey(res.IdentityID) {
		t.Fatalf("forced separation should create a cluster, got %q", res.IdentityID)
	}
}

func TestResolveVoiceTrustedOverName(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	res := resolve(t, r, "i'm Bob", vec(0.95))
	if res.Outcome != OutcomeVoiceTrusted {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeVoiceTrusted)
	}
	if res.IdentityID != "Alice" {
		t.Fatalf("identity = %q, want Alice", res.IdentityID)
	}
	if _, ok := r.store.Get("Bob"); ok {
		t.Fatal("misheard name must not create an identity")
	}
}

func TestResolveNameVoiceConflictResolution(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	res := resolve(t, r, "i'm Bob", vec(0.85))
	if res.Outcome != OutcomeAskingConflict {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeAskingConflict)
	}
	if !strings.Contains(res.Question, "Alice") || !strings.Contains(res.Question, "Bob") {
		t.Fatalf("conflict question = %q", res.Question)
	}

	settled := resolve(t, r, "Bob", vec(0.85))
	if settled.Outcome != OutcomeNameConfirmed {
		t.Fatalf("outcome = %q, want %q", settled.Outcome, OutcomeNameConfirmed)
	}
	if settled.IdentityID != "Bob" {
		t.Fatalf("identity = %q, want Bob", settled.IdentityID)
	}
	if stats := r.store.FalsePositives(); stats.Total != 1 {
		t.Fatalf("false positives = %d, want 1", stats.Total)
	}
}

func TestResolveConflictResolvedForExistingName(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	resolve(t, r, "i'm Bob", vec(0.85))
	settled := resolve(t, r, "Alice, of course", vec(0.85))
	if settled.Outcome != OutcomeNameConfirmed {
		t.Fatalf("outcome = %q, want %q", settled.Outcome, OutcomeNameConfirmed)
	}
	if settled.IdentityID != "Alice" {
		t.Fatalf("identity = %q, want Alice", settled.IdentityID)
	}
}

func TestResolveNameCollisionGetsSuffix(t *testing.T) {
	r := testResolver(t, nil)
	resolve(t, r, "hello", []float64{1, 0})
	resolve(t, r, "my name is Alice", []float64{1, 0})

	// A completely different voice also claims to be Alice.
	res := resolve(t, r, "my name is Alice", []float64{0, 1})
	if res.Outcome != OutcomeNameConfirmed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNameConfirmed)
	}
	if res.IdentityID != "Alice_002" {
		t.Fatalf("identity = %q, want Alice_002", res.IdentityID)
	}
}

func TestResolveSessionClusterCap(t *testing.T) {
	r := testResolver(t, func(cfg *config.IdentityConfig) {
		cfg.MaxSessionClusters = 2
	})

	resolve(t, r, "one", []float64{1, 0, 0})
	resolve(t, r, "two", []float64{0, 1, 0})
	res := resolve(t, r, "three", []float64{0, 0, 1})
	if res.Outcome != OutcomeMaxClusters {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeMaxClusters)
	}
	if res.IdentityID != r.cfg.FallbackIdentity {
		t.Fatalf("identity = %q, want fallback", res.IdentityID)
	}
}

func TestResolveNewSessionResetsCounters(t *testing.T) {
	r := testResolver(t, func(cfg *config.IdentityConfig) {
		cfg.MaxSessionClusters = 1
	})

	res, err := r.Resolve("sess-1", "one", []float64{1, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNewCluster {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNewCluster)
	}

	// A new session gets a fresh cluster budget.
	res, err = r.Resolve("sess-2", "two", []float64{0, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNewCluster {
		t.Fatalf("outcome in new session = %q, want %q", res.Outcome, OutcomeNewCluster)
	}
}

func TestResolveAmbiguousMatchNeverConfident(t *testing.T) {
	r := testResolver(t, nil)
	fs := r.store.(*FileStore)
	// Two known voices nearly equidistant from the sample. Picking
	// either one confidently would be a coin flip, so the resolver has
	// to fall back to a confirmation round.
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

	res := resolve(t, r, "turn on the lights", []float64{1, 0})
	if res.Outcome == OutcomeHighConfidence || res.Outcome == OutcomeCentroidMatch {
		t.Fatalf("ambiguous match accepted confidently: %+v", res)
	}
	if res.Outcome != OutcomeAskingVoice {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeAskingVoice)
	}
	if res.Question == "" {
		t.Fatal("expected a confirmation question")
	}
	rec, _ := fs.Get("Alice")
	if len(rec.Embeddings) != 1 {
		t.Fatalf("unconfirmed match must not learn, embeddings = %d", len(rec.Embeddings))
	}
}
