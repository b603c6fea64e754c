package identity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identity status values. Anonymous clusters are promoted to trained
// when they are linked to a name.
const (
	StatusAnonymous = "anonymous"
	StatusTrained   = "trained"
)

// AnonymousPrefix is the key prefix for unnamed clusters, e.g. Anonymous_003.
const AnonymousPrefix = "Anonymous_"

// Per-identity match thresholds. Named identities accumulate many
// embeddings so they tolerate a looser threshold than fresh clusters.
const (
	defaultNamedThreshold     = 0.4
	defaultAnonymousThreshold = 0.6
)

const documentVersion = "2.0"

// Record holds the voice profile for a single identity, either a named
// speaker or an anonymous cluster still waiting for a name.
type Record struct {
	Embeddings          [][]float64 `json:"embeddings"`
	Status              string      `json:"status"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	SessionID           string      `json:"session_id,omitempty"`
	InteractionCount    int         `json:"interaction_count"`
	CreatedAt           time.Time   `json:"created_at"`
	LastSeen            time.Time   `json:"last_seen"`
}

// Clone deep-copies the record including its embeddings. Snapshots taken
// before multi-step mutations use this for rollback.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Embeddings = make([][]float64, len(r.Embeddings))
	for i, emb := range r.Embeddings {
		out.Embeddings[i] = append([]float64(nil), emb...)
	}
	return &out
}

// FalsePositive records a similarity hit the user rejected, kept so
// thresholds can be tuned against real mistakes.
type FalsePositive struct {
	Speaker    string    `json:"speaker"`
	Similarity float64   `json:"similarity"`
	Text       string    `json:"text,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// document is the persisted JSON layout. The whole document is rewritten
// wholesale on every save.
type document struct {
	NamedIdentities   map[string]*Record `json:"named_identities"`
	AnonymousClusters map[string]*Record `json:"anonymous_clusters"`
	FalsePositives    []FalsePositive    `json:"false_positives"`
	LastUpdated       time.Time          `json:"last_updated"`
	Version           string             `json:"version"`
}

func newDocument() *document {
	return &document{
		NamedIdentities:   make(map[string]*Record),
		AnonymousClusters: make(map[string]*Record),
		Version:           documentVersion,
	}
}

func (d *document) embeddingCount() int {
	total := 0
	for _, rec := range d.NamedIdentities {
		total += len(rec.Embeddings)
	}
	for _, rec := range d.AnonymousClusters {
		total += len(rec.Embeddings)
	}
	return total
}

// IsAnonymousKey reports whether id names an anonymous cluster.
func IsAnonymousKey(id string) bool {
	return strings.HasPrefix(id, AnonymousPrefix)
}

// DisplayName converts an internal identity key into something a voice
// assistant can say out loud: Anonymous_007 becomes "Speaker 7", named
// identities are returned as-is.
func DisplayName(id string) string {
	if !IsAnonymousKey(id) {
		return id
	}
	suffix := strings.TrimPrefix(id, AnonymousPrefix)
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return id
	}
	return fmt.Sprintf("Speaker %d", n)
}
