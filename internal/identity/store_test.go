package identity

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sonalabs/sona-core/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *FileStore {
	t.Helper()
	cfg := config.Default().Identity
	cfg.StorePath = filepath.Join(t.TempDir(), "profiles.json")
	s, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestOpenColdStart(t *testing.T) {
	s := testStore(t)
	named, clusters, fps := s.Counts()
	if named != 0 || clusters != 0 || fps != 0 {
		t.Fatalf("cold start should be empty, got %d/%d/%d", named, clusters, fps)
	}
}

func TestOpenCorruptFileStartsEmpty(t *testing.T) {
	cfg := config.Default().Identity
	cfg.StorePath = filepath.Join(t.TempDir(), "profiles.json")
	if err := os.WriteFile(cfg.StorePath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatalf("corrupt file must not block startup: %v", err)
	}
	if n := s.TotalEmbeddings(); n != 0 {
		t.Fatalf("expected empty store, got %d embeddings", n)
	}
}

func TestCreateAnonymousClusterSequentialIDs(t *testing.T) {
	s := testStore(t)

	id, err := s.CreateAnonymousCluster(vec(0.5), "sess-1")
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if id != "Anonymous_001" {
		t.Fatalf("first cluster = %q, want Anonymous_001", id)
	}

	id, err = s.CreateAnonymousCluster(vec(0.2), "sess-1")
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if id != "Anonymous_002" {
		t.Fatalf("second cluster = %q, want Anonymous_002", id)
	}
}

func TestCreateAnonymousClusterScansBothTables(t *testing.T) {
	s := testStore(t)

	// A promoted cluster that kept its anonymous key must still block
	// its number from being reused.
	s.doc.NamedIdentities["Anonymous_007"] = &Record{
		Embeddings: [][]float64{vec(0.5)},
		Status:     StatusTrained,
	}

	id, err := s.CreateAnonymousCluster(vec(0.2), "sess-1")
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if id != "Anonymous_008" {
		t.Fatalf("cluster = %q, want Anonymous_008", id)
	}
}

func TestCreateAnonymousClusterRejectsEmptyEmbedding(t *testing.T) {
	s := testStore(t)
	if _, err := s.CreateAnonymousCluster(nil, "sess-1"); err == nil {
		t.Fatal("expected error for nil embedding")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := config.Default().Identity
	cfg.StorePath = filepath.Join(t.TempDir(), "profiles.json")

	s, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.CreateAnonymousCluster(vec(0.5), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEmbedding(id, vec(0.6)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Link(id, "Alice"); err != nil {
		t.Fatal(err)
	}
	want := s.TotalEmbeddings()

	reopened, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if got := reopened.TotalEmbeddings(); got != want {
		t.Fatalf("embeddings after reload = %d, want %d", got, want)
	}
	rec, ok := reopened.Get("Alice")
	if !ok {
		t.Fatal("Alice missing after reload")
	}
	if rec.Status != StatusTrained {
		t.Fatalf("status = %q, want %q", rec.Status, StatusTrained)
	}
	if rec.ConfidenceThreshold != defaultNamedThreshold {
		t.Fatalf("threshold = %v, want %v", rec.ConfidenceThreshold, defaultNamedThreshold)
	}
	if _, ok := reopened.Get(id); ok {
		t.Fatalf("cluster %s should be gone after linking", id)
	}
}

func TestLinkMergesIntoExistingIdentity(t *testing.T) {
	s := testStore(t)

	first, _ := s.CreateAnonymousCluster(vec(0.5), "sess-1")
	if _, err := s.Link(first, "Dave"); err != nil {
		t.Fatal(err)
	}
	second, _ := s.CreateAnonymousCluster(vec(0.3), "sess-2")
	if err := s.AppendEmbedding(second, vec(0.4)); err != nil {
		t.Fatal(err)
	}

	name, err := s.Link(second, "Dave")
	if err != nil {
		t.Fatal(err)
	}
	if name != "Dave" {
		t.Fatalf("link target = %q, want Dave", name)
	}
	rec, _ := s.Get("Dave")
	if len(rec.Embeddings) != 3 {
		t.Fatalf("merged embeddings = %d, want 3", len(rec.Embeddings))
	}
}

func TestLinkUnknownCluster(t *testing.T) {
	s := testStore(t)
	if _, err := s.Link("Anonymous_099", "Alice"); err == nil {
		t.Fatal("expected error for unknown cluster")
	}
}

func TestLinkRollsBackOnSaveFailure(t *testing.T) {
	s := testStore(t)
	id, err := s.CreateAnonymousCluster(vec(0.5), "sess-1")
	if err != nil {
		t.Fatal(err)
	}

	// Point the store at a directory so the next write fails.
	s.path = t.TempDir()

	if _, err := s.Link(id, "Alice"); err == nil {
		t.Fatal("expected save failure")
	}
	if _, ok := s.Get(id); !ok {
		t.Fatal("cluster should survive a failed link")
	}
	if _, ok := s.Get("Alice"); ok {
		t.Fatal("failed link must not leave Alice behind")
	}
}

func TestAppendEmbeddingRollsBackOnSaveFailure(t *testing.T) {
	s := testStore(t)
	id, err := s.CreateAnonymousCluster(vec(0.5), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := s.Get(id)
	wantCount := before.InteractionCount

	// Point the store at a directory so the next write fails.
	s.path = t.TempDir()

	if err := s.AppendEmbedding(id, vec(0.6)); err == nil {
		t.Fatal("expected save failure")
	}
	if got := s.TotalEmbeddings(); got != 1 {
		t.Fatalf("embeddings = %d after failed append, want 1", got)
	}
	after, _ := s.Get(id)
	if after.InteractionCount != wantCount {
		t.Fatalf("interaction count = %d after failed append, want %d", after.InteractionCount, wantCount)
	}
}

func TestRemoveStaleClustersRollsBackOnSaveFailure(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now.Add(-10 * 24 * time.Hour) }
	id, err := s.CreateAnonymousCluster(vec(0.5), "sess-old")
	if err != nil {
		t.Fatal(err)
	}
	s.clock = func() time.Time { return now }

	s.path = t.TempDir()

	if _, err := s.RemoveStaleClusters(7 * 24 * time.Hour); err == nil {
		t.Fatal("expected save failure")
	}
	if _, ok := s.Get(id); !ok {
		t.Fatal("cluster should survive a failed cleanup")
	}
}

func TestResolveNameCollision(t *testing.T) {
	s := testStore(t)
	if got := s.ResolveNameCollision("Alice"); got != "Alice" {
		t.Fatalf("free name = %q, want Alice", got)
	}

	id, _ := s.CreateAnonymousCluster(vec(0.5), "sess-1")
	if _, err := s.Link(id, "Alice"); err != nil {
		t.Fatal(err)
	}
	if got := s.ResolveNameCollision("Alice"); got != "Alice_002" {
		t.Fatalf("taken name = %q, want Alice_002", got)
	}
}

func TestAppendEmbeddingPrunesClusterBound(t *testing.T) {
	cfg := config.Default().Identity
	cfg.StorePath = filepath.Join(t.TempDir(), "profiles.json")
	cfg.MaxEmbeddingsCluster = 4

	s, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, _ := s.CreateAnonymousCluster(vec(0.1), "sess-1")
	for i := 0; i < 9; i++ {
		if err := s.AppendEmbedding(id, vec(float64(i)*0.1)); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := s.Get(id)
	if len(rec.Embeddings) != 4 {
		t.Fatalf("embeddings after pruning = %d, want 4", len(rec.Embeddings))
	}
	// The newest sample always survives pruning.
	last := rec.Embeddings[len(rec.Embeddings)-1]
	if Cosine(last, vec(0.8)) < 0.999 {
		t.Fatalf("most recent sample was pruned: %v", last)
	}
}

func TestPruneEmbeddingsKeepsRecentHalf(t *testing.T) {
	var set [][]float64
	for i := 0; i < 30; i++ {
		set = append(set, []float64{float64(i)})
	}
	got := pruneEmbeddings(set, 20)
	if len(got) != 20 {
		t.Fatalf("pruned length = %d, want 20", len(got))
	}
	// Last 10 inputs survive untouched.
	for i := 0; i < 10; i++ {
		if got[10+i][0] != float64(20+i) {
			t.Fatalf("recent sample %d = %v, want %v", i, got[10+i][0], float64(20+i))
		}
	}
	// The older half is sampled from the full historical range.
	if got[0][0] != 0 {
		t.Fatalf("oldest sample should be kept, got %v", got[0][0])
	}
}

func TestFalsePositiveLog(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	s.RecordFalsePositive(FalsePositive{Speaker: "Alice", Similarity: 0.82})
	s.RecordFalsePositive(FalsePositive{Speaker: "Alice", Similarity: 0.85})
	s.RecordFalsePositive(FalsePositive{Speaker: "Bob", Similarity: 0.81, Timestamp: now.Add(-48 * time.Hour)})

	stats := s.FalsePositives()
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.Recent != 2 {
		t.Fatalf("recent = %d, want 2", stats.Recent)
	}
	if len(stats.MostCommon) == 0 || stats.MostCommon[0] != "Alice" {
		t.Fatalf("most common = %v, want Alice first", stats.MostCommon)
	}

	if removed := s.PruneFalsePositives(24 * time.Hour); removed != 1 {
		t.Fatalf("pruned = %d, want 1", removed)
	}
}

func TestRemoveStaleClusters(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now.Add(-10 * 24 * time.Hour) }

	stale, err := s.CreateAnonymousCluster(vec(0.5), "sess-old")
	if err != nil {
		t.Fatal(err)
	}

	s.clock = func() time.Time { return now }
	fresh, err := s.CreateAnonymousCluster(vec(0.2), "sess-new")
	if err != nil {
		t.Fatal(err)
	}

	removed, err := s.RemoveStaleClusters(7 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get(stale); ok {
		t.Fatal("stale cluster should be gone")
	}
	if _, ok := s.Get(fresh); !ok {
		t.Fatal("fresh cluster should survive")
	}
}

func TestReloadPicksUpExternalEdits(t *testing.T) {
	cfg := config.Default().Identity
	cfg.StorePath = filepath.Join(t.TempDir(), "profiles.json")
	s, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAnonymousCluster(vec(0.5), "sess-1"); err != nil {
		t.Fatal(err)
	}

	// A second handle on the same file stands in for an external tool
	// editing the profile document.
	editor, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, err := editor.CreateAnonymousCluster(vec(0.2), "sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := editor.Link(id, "Alice"); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get("Alice"); ok {
		t.Fatal("Alice should be invisible before reload")
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := s.Get("Alice"); !ok {
		t.Fatal("Alice should be visible after reload")
	}
}

func TestSaveVerifiesWrittenFile(t *testing.T) {
	s := testStore(t)
	if _, err := s.CreateAnonymousCluster(vec(0.5), "sess-1"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("store file is empty after save")
	}
}
