package identity

import (
	"log/slog"

	"github.com/sonalabs/sona-core/internal/config"
)

// BasicResolver settles every utterance in one step: accept the best
// match above the verification threshold or open a new cluster. It
// never asks the speaker anything, so it suits pipelines without a
// speech output path. Names offered mid-utterance still link anonymous
// clusters, but conflicts always side with the voice.
type BasicResolver struct {
	cfg          config.IdentityConfig
	minNonZero   float64
	minMagnitude float64
	store        Store
	log          *slog.Logger

	current         string
	sessionID       string
	sessionClusters int
}

func NewBasicResolver(cfg config.IdentityConfig, emb config.EmbeddingConfig, store Store, log *slog.Logger) *BasicResolver {
	return &BasicResolver{
		cfg:          cfg,
		minNonZero:   emb.MinNonZero,
		minMagnitude: emb.MinMagnitude,
		store:        store,
		log:          log,
	}
}

func (r *BasicResolver) Current() string {
	if r.current == "" {
		return r.cfg.FallbackIdentity
	}
	return r.current
}

func (r *BasicResolver) Resolve(sessionID, text string, embedding []float64) (Result, error) {
	if sessionID != r.sessionID {
		r.sessionID = sessionID
		r.sessionClusters = 0
	}

	if len(embedding) == 0 {
		r.touchCurrent()
		return r.result(r.Current(), OutcomeNoEmbedding, 0), nil
	}
	if !ValidEmbedding(embedding, r.minNonZero, r.minMagnitude) {
		r.touchCurrent()
		return r.result(r.Current(), OutcomePoorEmbedding, 0), nil
	}

	claimed := ExtractName(text)
	best, _ := BestMatch(embedding, r.store.All(), r.cfg.MinCentroidGap)
	if best.ID == "" {
		return r.newCluster(claimed, embedding, false, 0)
	}
	if rec, ok := r.store.Get(best.ID); ok && best.Similarity < rec.ConfidenceThreshold {
		forced := best.Similarity >= r.cfg.SeparationThreshold
		return r.newCluster(claimed, embedding, forced, best.Similarity)
	}

	switch {
	case best.Similarity >= r.cfg.ConfidentThreshold:
		if claimed != "" && IsAnonymousKey(best.ID) {
			return r.link(best.ID, claimed, best.Similarity, embedding)
		}
		if err := r.store.AppendEmbedding(best.ID, embedding); err != nil {
			return Result{}, err
		}
		r.current = best.ID
		return r.result(best.ID, OutcomeHighConfidence, best.Similarity), nil

	case best.Centroid >= r.cfg.ConfidentThreshold:
		if claimed != "" && IsAnonymousKey(best.ID) {
			return r.link(best.ID, claimed, best.Centroid, embedding)
		}
		if err := r.store.AppendEmbedding(best.ID, embedding); err != nil {
			return Result{}, err
		}
		r.current = best.ID
		return r.result(best.ID, OutcomeCentroidMatch, best.Centroid), nil

	case best.Similarity >= r.cfg.SeparationThreshold:
		// The band where the advanced strategy would ask a question.
		// Without a dialogue the cautious choice is a separate cluster.
		return r.newCluster(claimed, embedding, true, best.Similarity)

	default:
		return r.newCluster(claimed, embedding, false, best.Similarity)
	}
}

func (r *BasicResolver) newCluster(claimed string, embedding []float64, forced bool, similarity float64) (Result, error) {
	if r.sessionClusters >= r.cfg.MaxSessionClusters {
		r.log.Warn("session cluster cap reached, using fallback identity",
			slog.Int("cap", r.cfg.MaxSessionClusters))
		r.current = r.cfg.FallbackIdentity
		return r.result(r.cfg.FallbackIdentity, OutcomeMaxClusters, similarity), nil
	}
	id, err := r.store.CreateAnonymousCluster(embedding, r.sessionID)
	if err != nil {
		return Result{}, err
	}
	r.sessionClusters++
	r.current = id
	if claimed != "" {
		return r.link(id, claimed, similarity, nil)
	}
	outcome := OutcomeNewCluster
	if forced {
		outcome = OutcomeForcedSeparation
	}
	return r.result(id, outcome, similarity), nil
}

func (r *BasicResolver) link(clusterID, name string, similarity float64, extra []float64) (Result, error) {
	finalName := r.store.ResolveNameCollision(name)
	linked, err := r.store.Link(clusterID, finalName)
	if err != nil {
		return Result{}, err
	}
	if len(extra) > 0 {
		if err := r.store.AppendEmbedding(linked, extra); err != nil {
			return Result{}, err
		}
	}
	r.current = linked
	return r.result(linked, OutcomeNameConfirmed, similarity), nil
}

func (r *BasicResolver) touchCurrent() {
	if r.current != "" {
		r.store.Touch(r.current)
	}
}

func (r *BasicResolver) result(id, outcome string, similarity float64) Result {
	return Result{
		IdentityID:  id,
		DisplayName: DisplayName(id),
		Outcome:     outcome,
		Similarity:  similarity,
	}
}
