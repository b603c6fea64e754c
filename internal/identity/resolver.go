package identity

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/sonalabs/sona-core/internal/config"
)

// Resolution outcome tags, published with every resolved utterance.
const (
	OutcomeHighConfidence   = "HIGH_CONFIDENCE_RECOGNIZED"
	OutcomeCentroidMatch    = "CONFIDENT_CENTROID_MATCH"
	OutcomeAskingVoice      = "ASKING_VOICE_CONFIRMATION"
	OutcomeAskingName       = "ASKING_FOR_NAME"
	OutcomeForcedSeparation = "FORCED_SEPARATION_CREATED"
	OutcomeNewCluster       = "NEW_CLUSTER_CREATED"
	OutcomeNameConfirmed    = "NAME_CONFIRMED"
	OutcomeVoiceTrusted     = "VOICE_TRUSTED_OVER_NAME"
	OutcomeAskingConflict   = "ASKING_NAME_VOICE_CONFLICT_RESOLUTION"
	OutcomeNoEmbedding      = "NO_EMBEDDING"
	OutcomePoorEmbedding    = "POOR_EMBEDDING_QUALITY"
	OutcomeMaxClusters      = "MAX_CLUSTERS_REACHED"
)

// Result is what a single utterance resolves to. Question is non-empty
// when the resolver needs a spoken reply before it can settle.
type Result struct {
	IdentityID  string
	DisplayName string
	Outcome     string
	Similarity  float64
	Question    string
}

type resolverState int

const (
	stateIdle resolverState = iota
	stateAwaitingName
	stateAwaitingVoiceConfirm
	stateAwaitingConflict
)

// pending holds everything a confirmation sub-state needs to settle.
// One struct instead of a handful of loose flags so resetting the state
// machine can never leave half of it behind.
type pending struct {
	identityID   string
	claimedName  string
	existingName string
	embedding    []float64
	similarity   float64
	reprompted   bool
}

// Resolver decides which identity produced an utterance. Strategies
// are chosen at construction: AdvancedResolver runs the full
// confirmation state machine, BasicResolver settles every turn
// immediately for deployments that cannot hold a spoken dialogue.
type Resolver interface {
	Resolve(sessionID, text string, embedding []float64) (Result, error)
	Current() string
}

// NewResolver selects a strategy from config.
func NewResolver(cfg config.IdentityConfig, emb config.EmbeddingConfig, store Store, log *slog.Logger) Resolver {
	if cfg.Strategy == "basic" {
		return NewBasicResolver(cfg, emb, store, log)
	}
	return NewAdvancedResolver(cfg, emb, store, log)
}

// AdvancedResolver is the speaker-identity state machine. It is not
// safe for concurrent use; the identity service serializes calls into
// it.
type AdvancedResolver struct {
	cfg          config.IdentityConfig
	minNonZero   float64
	minMagnitude float64
	store        Store
	log          *slog.Logger

	state           resolverState
	pending         pending
	current         string
	sessionID       string
	interactions    int
	sessionClusters int
}

func NewAdvancedResolver(cfg config.IdentityConfig, emb config.EmbeddingConfig, store Store, log *slog.Logger) *AdvancedResolver {
	return &AdvancedResolver{
		cfg:          cfg,
		minNonZero:   emb.MinNonZero,
		minMagnitude: emb.MinMagnitude,
		store:        store,
		log:          log,
	}
}

// Current returns the identity of the last resolved speaker, or the
// fallback identity before anyone has spoken.
func (r *AdvancedResolver) Current() string {
	if r.current == "" {
		return r.cfg.FallbackIdentity
	}
	return r.current
}

// Resolve decides who is speaking. A new session id resets the
// per-session state but never the persisted profiles.
func (r *AdvancedResolver) Resolve(sessionID, text string, embedding []float64) (Result, error) {
	if sessionID != r.sessionID {
		r.sessionID = sessionID
		r.interactions = 0
		r.sessionClusters = 0
		r.state = stateIdle
		r.pending = pending{}
	}
	r.interactions++

	if len(embedding) == 0 {
		r.touchCurrent()
		return r.result(r.Current(), OutcomeNoEmbedding, 0), nil
	}
	if !ValidEmbedding(embedding, r.minNonZero, r.minMagnitude) {
		r.log.Warn("rejecting poor quality embedding", slog.Int("dim", len(embedding)))
		r.touchCurrent()
		return r.result(r.Current(), OutcomePoorEmbedding, 0), nil
	}

	switch r.state {
	case stateAwaitingVoiceConfirm:
		return r.handleVoiceConfirmation(text, embedding)
	case stateAwaitingName:
		return r.handleNameReply(text, embedding)
	case stateAwaitingConflict:
		return r.handleConflictReply(text, embedding)
	}

	return r.resolveFresh(text, embedding)
}

func (r *AdvancedResolver) resolveFresh(text string, embedding []float64) (Result, error) {
	claimed := ExtractName(text)

	// Early-session centroid check: right after startup a speaker's
	// session counters are empty, so match against cluster centroids
	// before trusting per-sample similarity.
	if r.interactions <= r.cfg.StartupWindow {
		if id, sim := r.startupCentroidMatch(embedding); id != "" {
			if claimed != "" {
				return r.reconcileName(id, claimed, sim, embedding)
			}
			if err := r.learn(id, embedding); err != nil {
				return Result{}, err
			}
			r.current = id
			return r.result(id, OutcomeCentroidMatch, sim), nil
		}
	}

	best, demoted := BestMatch(embedding, r.store.All(), r.cfg.MinCentroidGap)
	if best.ID == "" {
		return r.createCluster(claimed, embedding, false, 0)
	}
	if rec, ok := r.store.Get(best.ID); ok && best.Similarity < rec.ConfidenceThreshold {
		// Below this identity's own floor the match is noise.
		forced := best.Similarity >= r.cfg.SeparationThreshold
		return r.createCluster(claimed, embedding, forced, best.Similarity)
	}
	if demoted {
		r.log.Info("centroid gap too small, demoting match to verification",
			slog.String("match", best.ID), slog.Float64("similarity", best.Similarity))
	}

	switch {
	case best.Similarity >= r.cfg.ConfidentThreshold:
		if claimed != "" {
			return r.reconcileName(best.ID, claimed, best.Similarity, embedding)
		}
		if err := r.learn(best.ID, embedding); err != nil {
			return Result{}, err
		}
		r.current = best.ID
		return r.result(best.ID, OutcomeHighConfidence, best.Similarity), nil

	case best.Centroid >= r.cfg.ConfidentThreshold:
		if claimed != "" {
			return r.reconcileName(best.ID, claimed, best.Centroid, embedding)
		}
		if err := r.learn(best.ID, embedding); err != nil {
			return Result{}, err
		}
		r.current = best.ID
		return r.result(best.ID, OutcomeCentroidMatch, best.Centroid), nil

	case best.Similarity >= r.cfg.VerificationThreshold:
		return r.askConfirmation(best, embedding)

	case best.Similarity >= r.cfg.SeparationThreshold:
		// Too close to merge blindly, too far to confirm: this is a
		// different voice that happens to resemble a known one.
		return r.createCluster(claimed, embedding, true, best.Similarity)

	default:
		return r.createCluster(claimed, embedding, false, best.Similarity)
	}
}

func (r *AdvancedResolver) startupCentroidMatch(embedding []float64) (string, float64) {
	bestID, bestSim := "", 0.0
	for id, rec := range r.store.All() {
		if !IsAnonymousKey(id) {
			continue
		}
		if sim := CentroidSimilarity(embedding, rec.Embeddings); sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	if bestSim >= r.cfg.ConfidentThreshold {
		return bestID, bestSim
	}
	return "", 0
}

// reconcileName decides between a confident voice match and a name the
// speaker just offered.
func (r *AdvancedResolver) reconcileName(matchID, claimed string, similarity float64, embedding []float64) (Result, error) {
	if IsAnonymousKey(matchID) {
		// Unnamed cluster introducing itself: link and promote.
		return r.linkCluster(matchID, claimed, similarity, embedding)
	}
	if strings.EqualFold(matchID, claimed) {
		if err := r.learn(matchID, embedding); err != nil {
			return Result{}, err
		}
		r.current = matchID
		return r.result(matchID, OutcomeHighConfidence, similarity), nil
	}

	switch {
	case similarity >= r.cfg.VoiceTrustThreshold:
		// Similarity this high means the name was almost certainly
		// misheard. Keep the voice match.
		r.log.Warn("name contradicts a near-certain voice match, trusting voice",
			slog.String("voice", matchID), slog.String("claimed", claimed),
			slog.Float64("similarity", similarity))
		if err := r.learn(matchID, embedding); err != nil {
			return Result{}, err
		}
		r.current = matchID
		return r.result(matchID, OutcomeVoiceTrusted, similarity), nil

	case similarity >= r.cfg.ConflictAskThreshold:
		r.state = stateAwaitingConflict
		r.pending = pending{
			identityID:   matchID,
			claimedName:  claimed,
			existingName: DisplayName(matchID),
			embedding:    append([]float64(nil), embedding...),
			similarity:   similarity,
		}
		res := r.result(matchID, OutcomeAskingConflict, similarity)
		res.Question = fmt.Sprintf("Your voice sounds like %s, but you said %s. Which is correct?",
			DisplayName(matchID), claimed)
		return res, nil

	default:
		// Similar voice, different name: a different person.
		return r.createCluster(claimed, embedding, true, similarity)
	}
}

func (r *AdvancedResolver) askConfirmation(best Match, embedding []float64) (Result, error) {
	r.pending = pending{
		identityID: best.ID,
		embedding:  append([]float64(nil), embedding...),
		similarity: best.Similarity,
	}
	if IsAnonymousKey(best.ID) {
		r.state = stateAwaitingName
		r.current = best.ID
		res := r.result(best.ID, OutcomeAskingName, best.Similarity)
		res.Question = "Sorry, I'm struggling to recognize your voice. What's your name?"
		return res, nil
	}
	r.state = stateAwaitingVoiceConfirm
	res := r.result(best.ID, OutcomeAskingVoice, best.Similarity)
	res.Question = fmt.Sprintf("Is this %s?", DisplayName(best.ID))
	return res, nil
}

func (r *AdvancedResolver) handleVoiceConfirmation(text string, embedding []float64) (Result, error) {
	p := r.pending
	switch {
	case IsNegative(text):
		r.reset()
		return r.createCluster("", p.embedding, false, p.similarity)

	case IsAffirmative(text):
		r.reset()
		if err := r.learn(p.identityID, p.embedding); err != nil {
			return Result{}, err
		}
		r.current = p.identityID
		return r.result(p.identityID, OutcomeNameConfirmed, p.similarity), nil

	default:
		// An introduction counts as an answer even without a yes or no.
		if name := ExtractName(text); name != "" {
			r.reset()
			if IsAnonymousKey(p.identityID) {
				return r.linkCluster(p.identityID, name, p.similarity, p.embedding)
			}
			return r.reconcileName(p.identityID, name, p.similarity, p.embedding)
		}
		if !r.pending.reprompted {
			r.pending.reprompted = true
			res := r.result(p.identityID, OutcomeAskingVoice, p.similarity)
			res.Question = fmt.Sprintf("Please say yes or no. Is this %s?", DisplayName(p.identityID))
			return res, nil
		}
		// Two unclear replies: without confirmation the match stays
		// unproven, so the voice gets its own cluster rather than
		// risking someone else's profile.
		r.reset()
		return r.createCluster("", embedding, false, p.similarity)
	}
}

func (r *AdvancedResolver) handleNameReply(text string, embedding []float64) (Result, error) {
	p := r.pending
	name := ExtractName(text)
	if name == "" {
		// A bare one-word reply is taken as the name itself.
		fields := strings.Fields(strings.Trim(strings.TrimSpace(text), ".,!?"))
		if len(fields) == 1 && len(fields[0]) >= 2 && isAlpha(strings.ToLower(fields[0])) {
			word := strings.ToLower(fields[0])
			if !nameStopWords[word] && !IsAffirmative(word) && !IsNegative(word) {
				name = strings.ToUpper(word[:1]) + word[1:]
			}
		}
	}
	if name != "" {
		r.reset()
		return r.linkCluster(p.identityID, name, p.similarity, embedding)
	}
	if !r.pending.reprompted {
		r.pending.reprompted = true
		res := r.result(p.identityID, OutcomeAskingName, p.similarity)
		res.Question = "Sorry, what was your name?"
		return res, nil
	}
	// No name after two asks: keep the voice separate rather than
	// guessing.
	r.reset()
	return r.createCluster("", embedding, false, p.similarity)
}

func (r *AdvancedResolver) handleConflictReply(text string, embedding []float64) (Result, error) {
	p := r.pending
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, strings.ToLower(p.existingName)):
		r.reset()
		if err := r.learn(p.identityID, p.embedding); err != nil {
			return Result{}, err
		}
		r.current = p.identityID
		return r.result(p.identityID, OutcomeNameConfirmed, p.similarity), nil

	case strings.Contains(lower, strings.ToLower(p.claimedName)):
		// A different person after all. The rejected match goes into
		// the tuning log before the new voice gets its own cluster.
		r.store.RecordFalsePositive(FalsePositive{
			Speaker:    p.identityID,
			Similarity: p.similarity,
			Text:       text,
		})
		r.reset()
		return r.createCluster(p.claimedName, p.embedding, true, p.similarity)

	default:
		if !r.pending.reprompted {
			r.pending.reprompted = true
			res := r.result(p.identityID, OutcomeAskingConflict, p.similarity)
			res.Question = fmt.Sprintf("Please say either %s or %s.", p.existingName, p.claimedName)
			return res, nil
		}
		// Unsettled conflict: do not trust either name.
		r.reset()
		return r.createCluster("", p.embedding, true, p.similarity)
	}
}

// createCluster allocates a new anonymous cluster for an unrecognized
// voice, honoring the per-session cap. When the utterance carried a
// name the fresh cluster is linked to it immediately.
func (r *AdvancedResolver) createCluster(claimed string, embedding []float64, forced bool, similarity float64) (Result, error) {
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
		return r.linkCluster(id, claimed, similarity, nil)
	}
	outcome := OutcomeNewCluster
	if forced {
		outcome = OutcomeForcedSeparation
	}
	return r.result(id, outcome, similarity), nil
}

// linkCluster attaches a name to an anonymous cluster, suffixing on
// collision, and optionally learns one more sample under the new name.
func (r *AdvancedResolver) linkCluster(clusterID, name string, similarity float64, extra []float64) (Result, error) {
	finalName := r.store.ResolveNameCollision(name)
	if finalName != name {
		r.log.Info("name already taken by a different voice",
			slog.String("name", name), slog.String("assigned", finalName))
	}
	linked, err := r.store.Link(clusterID, finalName)
	if err != nil {
		return Result{}, err
	}
	if len(extra) > 0 {
		if err := r.learn(linked, extra); err != nil {
			return Result{}, err
		}
	}
	r.current = linked
	return r.result(linked, OutcomeNameConfirmed, similarity), nil
}

func (r *AdvancedResolver) learn(id string, embedding []float64) error {
	if err := r.store.AppendEmbedding(id, embedding); err != nil {
		return fmt.Errorf("learn sample for %s: %w", id, err)
	}
	return nil
}

func (r *AdvancedResolver) reset() {
	r.state = stateIdle
	r.pending = pending{}
}

// touchCurrent attributes a turn with no usable embedding to the
// established speaker so their record stays fresh for the stale
// cluster sweep.
func (r *AdvancedResolver) touchCurrent() {
	if r.current != "" {
		r.store.Touch(r.current)
	}
}

func (r *AdvancedResolver) result(id, outcome string, similarity float64) Result {
	return Result{
		IdentityID:  id,
		DisplayName: DisplayName(id),
		Outcome:     outcome,
		Similarity:  similarity,
	}
}
