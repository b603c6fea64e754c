package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sonalabs/sona-core/internal/config"
)

// ErrUnknownIdentity is returned when an operation names an identity
// that exists in neither table.
var ErrUnknownIdentity = errors.New("unknown identity")

// Store is the persistence contract the resolver works against.
// FileStore is the JSON-file implementation used in production; tests
// may substitute their own.
type Store interface {
	Get(id string) (*Record, bool)
	All() map[string]*Record
	CreateAnonymousCluster(embedding []float64, sessionID string) (string, error)
	AppendEmbedding(id string, embedding []float64) error
	Touch(id string)
	Link(clusterID, name string) (string, error)
	ResolveNameCollision(name string) string
	RecordFalsePositive(fp FalsePositive)
	FalsePositives() FalsePositiveStats
	PruneFalsePositives(maxAge time.Duration) int
	RemoveStaleClusters(maxAge time.Duration) (int, error)
	Save() error
	Counts() (named, clusters, falsePositives int)
	TotalEmbeddings() int
}

var _ Store = (*FileStore)(nil)

// FileStore persists all voice profiles in a single JSON document that
// is rewritten wholesale on every save. Profile counts are verified on
// both load and save so a bad write can never silently drop embeddings.
type FileStore struct {
	mu         sync.Mutex
	path       string
	maxNamed   int
	maxCluster int
	doc        *document
	log        *slog.Logger
	clock      func() time.Time
}

// Open loads the profile document at cfg.StorePath. A missing file is a
// normal cold start; a corrupt file is logged and replaced with an empty
// document rather than refusing to boot the assistant.
func Open(cfg config.IdentityConfig, log *slog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:       cfg.StorePath,
		maxNamed:   cfg.MaxEmbeddingsNamed,
		maxCluster: cfg.MaxEmbeddingsCluster,
		log:        log,
		clock:      time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// shadowDoc mirrors only the embedding arrays of the persisted layout.
// It is decoded independently of document so the two counts can be
// compared, and used to restore embeddings if they ever disagree.
type shadowDoc struct {
	Named map[string]struct {
		Embeddings [][]float64 `json:"embeddings"`
	} `json:"named_identities"`
	Clusters map[string]struct {
		Embeddings [][]float64 `json:"embeddings"`
	} `json:"anonymous_clusters"`
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("no profile store on disk, starting empty", slog.String("path", s.path))
			s.doc = newDocument()
			return nil
		}
		return fmt.Errorf("read profile store: %w", err)
	}

	doc := newDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		s.log.Error("profile store is corrupt, starting empty",
			slog.String("path", s.path), slog.String("error", err.Error()))
		s.doc = newDocument()
		return nil
	}
	if doc.NamedIdentities == nil {
		doc.NamedIdentities = make(map[string]*Record)
	}
	if doc.AnonymousClusters == nil {
		doc.AnonymousClusters = make(map[string]*Record)
	}
	normalizeRecords(doc)

	// Independent second decode of just the embedding arrays. If the
	// counts disagree the full decode dropped data, restore from the
	// shadow copy.
	var shadow shadowDoc
	if err := json.Unmarshal(data, &shadow); err == nil {
		restored := 0
		for id, raw := range shadow.Named {
			if rec, ok := doc.NamedIdentities[id]; ok && len(rec.Embeddings) != len(raw.Embeddings) {
				rec.Embeddings = raw.Embeddings
				restored++
			}
		}
		for id, raw := range shadow.Clusters {
			if rec, ok := doc.AnonymousClusters[id]; ok && len(rec.Embeddings) != len(raw.Embeddings) {
				rec.Embeddings = raw.Embeddings
				restored++
			}
		}
		if restored > 0 {
			s.log.Warn("restored embeddings lost during decode", slog.Int("records", restored))
		}
	}

	s.doc = doc
	s.log.Info("profile store loaded",
		slog.Int("named", len(doc.NamedIdentities)),
		slog.Int("clusters", len(doc.AnonymousClusters)),
		slog.Int("embeddings", doc.embeddingCount()))
	return nil
}

func normalizeRecords(doc *document) {
	for _, rec := range doc.NamedIdentities {
		if rec.Status == "" {
			rec.Status = StatusTrained
		}
		if rec.ConfidenceThreshold == 0 {
			rec.ConfidenceThreshold = defaultNamedThreshold
		}
	}
	for _, rec := range doc.AnonymousClusters {
		if rec.Status == "" {
			rec.Status = StatusAnonymous
		}
		if rec.ConfidenceThreshold == 0 {
			rec.ConfidenceThreshold = defaultAnonymousThreshold
		}
	}
}

// Reload discards in-memory state and re-reads the document from disk.
func (s *FileStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save rewrites the whole document. The payload is round-tripped before
// the write and the file is re-read after it; if either check loses an
// embedding the save fails and the caller's in-memory state is intact.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *FileStore) save() error {
	s.doc.LastUpdated = s.clock().UTC()
	s.doc.Version = documentVersion
	want := s.doc.embeddingCount()

	payload, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile store: %w", err)
	}

	var check document
	if err := json.Unmarshal(payload, &check); err != nil {
		return fmt.Errorf("round-trip profile store: %w", err)
	}
	if got := check.embeddingCount(); got != want {
		return fmt.Errorf("round-trip dropped embeddings: want %d, got %d", want, got)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create profile store dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, payload, 0o644); err != nil {
		return fmt.Errorf("write profile store: %w", err)
	}

	written, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("verify profile store: %w", err)
	}
	var verify document
	if err := json.Unmarshal(written, &verify); err != nil {
		return fmt.Errorf("verify profile store: %w", err)
	}
	if got := verify.embeddingCount(); got != want {
		return fmt.Errorf("file write dropped embeddings: want %d, got %d", want, got)
	}
	return nil
}

// Get returns the record for id from either table.
func (s *FileStore) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id)
}

func (s *FileStore) lookup(id string) (*Record, bool) {
	if rec, ok := s.doc.NamedIdentities[id]; ok {
		return rec, true
	}
	rec, ok := s.doc.AnonymousClusters[id]
	return rec, ok
}

// All returns every identity, named and anonymous, in one map.
func (s *FileStore) All() map[string]*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Record, len(s.doc.NamedIdentities)+len(s.doc.AnonymousClusters))
	for id, rec := range s.doc.NamedIdentities {
		out[id] = rec
	}
	for id, rec := range s.doc.AnonymousClusters {
		out[id] = rec
	}
	return out
}

// CreateAnonymousCluster allocates the next sequential Anonymous_NNN id
// and persists a fresh cluster seeded with embedding. Allocation scans
// both tables so a linked cluster's number is never reused for a
// different voice.
func (s *FileStore) CreateAnonymousCluster(embedding []float64, sessionID string) (string, error) {
	if len(embedding) == 0 {
		return "", errors.New("cannot create cluster without an embedding")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	maxNum := 0
	scan := func(id string) {
		if !IsAnonymousKey(id) {
			return
		}
		var n int
		if _, err := fmt.Sscanf(id, AnonymousPrefix+"%d", &n); err == nil && n > maxNum {
			maxNum = n
		}
	}
	for id := range s.doc.AnonymousClusters {
		scan(id)
	}
	for id := range s.doc.NamedIdentities {
		scan(id)
	}

	id := fmt.Sprintf("%s%03d", AnonymousPrefix, maxNum+1)
	now := s.clock().UTC()
	s.doc.AnonymousClusters[id] = &Record{
		Embeddings:          [][]float64{append([]float64(nil), embedding...)},
		Status:              StatusAnonymous,
		ConfidenceThreshold: defaultAnonymousThreshold,
		SessionID:           sessionID,
		InteractionCount:    1,
		CreatedAt:           now,
		LastSeen:            now,
	}

	if err := s.save(); err != nil {
		delete(s.doc.AnonymousClusters, id)
		return "", fmt.Errorf("persist new cluster: %w", err)
	}
	s.log.Info("created anonymous cluster", slog.String("cluster", id))
	return id, nil
}

// AppendEmbedding adds a voice sample to an existing identity, pruning
// the stored set back under the per-kind bound, and persists.
func (s *FileStore) AppendEmbedding(id string, embedding []float64) error {
	if len(embedding) == 0 {
		return errors.New("cannot append empty embedding")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	snapshot := rec.Clone()
	rec.Embeddings = append(rec.Embeddings, append([]float64(nil), embedding...))

	limit := s.maxNamed
	if IsAnonymousKey(id) {
		limit = s.maxCluster
	}
	rec.Embeddings = pruneEmbeddings(rec.Embeddings, limit)
	rec.InteractionCount++
	rec.LastSeen = s.clock().UTC()

	if err := s.save(); err != nil {
		// Memory must not run ahead of the last durable write.
		*rec = *snapshot
		return fmt.Errorf("persist appended sample: %w", err)
	}
	return nil
}

// Touch bumps the interaction bookkeeping without storing a new sample.
func (s *FileStore) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.lookup(id); ok {
		rec.InteractionCount++
		rec.LastSeen = s.clock().UTC()
	}
}

// pruneEmbeddings bounds the stored set while keeping variety: the most
// recent half survives untouched, the older half is sampled evenly.
func pruneEmbeddings(embeddings [][]float64, limit int) [][]float64 {
	if limit <= 0 || len(embeddings) <= limit {
		return embeddings
	}
	recentN := limit / 2
	recent := embeddings[len(embeddings)-recentN:]
	older := embeddings[:len(embeddings)-recentN]

	keepOlder := limit - recentN
	sampled := make([][]float64, 0, limit)
	switch {
	case len(older) <= keepOlder:
		sampled = append(sampled, older...)
	case keepOlder == 1:
		sampled = append(sampled, older[0])
	default:
		step := float64(len(older)-1) / float64(keepOlder-1)
		for i := 0; i < keepOlder; i++ {
			sampled = append(sampled, older[int(float64(i)*step+0.5)])
		}
	}
	return append(sampled, recent...)
}

// Link merges an anonymous cluster into a named identity and removes the
// cluster. If the name is already taken by a different voice the new
// identity gets a numeric suffix. The whole mutation is persisted as one
// save; on failure the in-memory state rolls back to the snapshot.
func (s *FileStore) Link(clusterID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cluster, ok := s.doc.AnonymousClusters[clusterID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIdentity, clusterID)
	}
	if len(cluster.Embeddings) == 0 {
		return "", fmt.Errorf("cluster %s has no embeddings", clusterID)
	}

	snapNamed := snapshotTable(s.doc.NamedIdentities)
	snapClusters := snapshotTable(s.doc.AnonymousClusters)

	now := s.clock().UTC()
	if existing, ok := s.doc.NamedIdentities[name]; ok {
		// Same name, same voice: merge the cluster's samples in.
		// Same name, different voice is resolved by suffixing before
		// we get here, so a direct hit always merges.
		existing.Embeddings = pruneEmbeddings(append(existing.Embeddings, cluster.Embeddings...), s.maxNamed)
		existing.Status = StatusTrained
		existing.InteractionCount += cluster.InteractionCount
		existing.LastSeen = now
	} else {
		s.doc.NamedIdentities[name] = &Record{
			Embeddings:          pruneEmbeddings(cluster.Embeddings, s.maxNamed),
			Status:              StatusTrained,
			ConfidenceThreshold: defaultNamedThreshold,
			InteractionCount:    cluster.InteractionCount,
			CreatedAt:           cluster.CreatedAt,
			LastSeen:            now,
		}
	}
	delete(s.doc.AnonymousClusters, clusterID)
	delete(s.doc.NamedIdentities, clusterID)

	if err := s.save(); err != nil {
		s.doc.NamedIdentities = snapNamed
		s.doc.AnonymousClusters = snapClusters
		return "", fmt.Errorf("persist link %s -> %s: %w", clusterID, name, err)
	}
	s.log.Info("linked cluster to name",
		slog.String("cluster", clusterID), slog.String("name", name))
	return name, nil
}

func snapshotTable(table map[string]*Record) map[string]*Record {
	out := make(map[string]*Record, len(table))
	for id, rec := range table {
		out[id] = rec.Clone()
	}
	return out
}

// ResolveNameCollision returns name unchanged when it is free, otherwise
// the first free suffixed variant (name_002, name_003, ...).
func (s *FileStore) ResolveNameCollision(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.doc.NamedIdentities[name]; !taken {
		return name
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%03d", name, n)
		if _, taken := s.doc.NamedIdentities[candidate]; !taken {
			return candidate
		}
	}
}

// RecordFalsePositive appends a rejected match to the tuning log,
// bounded at 1000 entries.
func (s *FileStore) RecordFalsePositive(fp FalsePositive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp.Timestamp.IsZero() {
		fp.Timestamp = s.clock().UTC()
	}
	s.doc.FalsePositives = append(s.doc.FalsePositives, fp)
	if n := len(s.doc.FalsePositives); n > 1000 {
		s.doc.FalsePositives = s.doc.FalsePositives[n-1000:]
	}
}

// FalsePositiveStats summarizes the tuning log.
type FalsePositiveStats struct {
	Total      int
	Recent     int
	MostCommon []string
}

// FalsePositives returns stats over the rejected-match log. Recent
// counts the last 24 hours.
func (s *FileStore) FalsePositives() FalsePositiveStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := FalsePositiveStats{Total: len(s.doc.FalsePositives)}
	cutoff := s.clock().UTC().Add(-24 * time.Hour)
	byName := make(map[string]int)
	for _, fp := range s.doc.FalsePositives {
		if fp.Timestamp.After(cutoff) {
			stats.Recent++
		}
		byName[fp.Speaker]++
	}
	for name := range byName {
		stats.MostCommon = append(stats.MostCommon, name)
	}
	sort.Slice(stats.MostCommon, func(i, j int) bool {
		if byName[stats.MostCommon[i]] != byName[stats.MostCommon[j]] {
			return byName[stats.MostCommon[i]] > byName[stats.MostCommon[j]]
		}
		return stats.MostCommon[i] < stats.MostCommon[j]
	})
	if len(stats.MostCommon) > 5 {
		stats.MostCommon = stats.MostCommon[:5]
	}
	return stats
}

// PruneFalsePositives drops tuning-log entries older than maxAge and
// returns how many were removed.
func (s *FileStore) PruneFalsePositives(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock().UTC().Add(-maxAge)
	kept := s.doc.FalsePositives[:0]
	for _, fp := range s.doc.FalsePositives {
		if fp.Timestamp.After(cutoff) {
			kept = append(kept, fp)
		}
	}
	removed := len(s.doc.FalsePositives) - len(kept)
	s.doc.FalsePositives = kept
	return removed
}

// RemoveStaleClusters deletes anonymous clusters that were created more
// than maxAge ago and never earned a name. Returns how many went.
func (s *FileStore) RemoveStaleClusters(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock().UTC().Add(-maxAge)
	var stale []string
	for id, rec := range s.doc.AnonymousClusters {
		if rec.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	evicted := make(map[string]*Record, len(stale))
	for _, id := range stale {
		evicted[id] = s.doc.AnonymousClusters[id]
		delete(s.doc.AnonymousClusters, id)
	}
	if err := s.save(); err != nil {
		for id, rec := range evicted {
			s.doc.AnonymousClusters[id] = rec
		}
		return 0, fmt.Errorf("persist cluster cleanup: %w", err)
	}
	for _, id := range stale {
		s.log.Info("removed stale cluster", slog.String("cluster", id))
	}
	return len(stale), nil
}

// Counts reports table sizes for health reporting.
func (s *FileStore) Counts() (named, clusters, falsePositives int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.NamedIdentities), len(s.doc.AnonymousClusters), len(s.doc.FalsePositives)
}

// TotalEmbeddings reports the number of stored voice samples across
// both tables.
func (s *FileStore) TotalEmbeddings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.embeddingCount()
}
