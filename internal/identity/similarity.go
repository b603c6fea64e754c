package identity

import "math"

// demotedSimilarity is the score an ambiguous match is pushed down to.
// It sits in the verification band so the resolver asks instead of
// silently picking between two close speakers.
const demotedSimilarity = 0.72

// Cosine returns the cosine similarity of a and b clamped to [0, 1].
// Nil, mismatched-length and zero-norm inputs score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// Centroid returns the element-wise mean of the embeddings, or nil when
// the set is empty or the dimensions disagree.
func Centroid(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}
	dim := len(embeddings[0])
	sum := make([]float64, dim)
	for _, emb := range embeddings {
		if len(emb) != dim {
			return nil
		}
		for i, v := range emb {
			sum[i] += v
		}
	}
	n := float64(len(embeddings))
	for i := range sum {
		sum[i] /= n
	}
	return sum
}

// CentroidSimilarity scores probe against the centroid of the stored
// embeddings. Returns 0 when the record has none.
func CentroidSimilarity(probe []float64, embeddings [][]float64) float64 {
	return Cosine(probe, Centroid(embeddings))
}

// ValidEmbedding gates obviously broken extractor output: the vector
// must have at least minNonZero fraction of non-zero components and a
// magnitude of at least minMagnitude.
func ValidEmbedding(emb []float64, minNonZero, minMagnitude float64) bool {
	if len(emb) == 0 {
		return false
	}
	nonZero := 0
	var norm float64
	for _, v := range emb {
		if v != 0 {
			nonZero++
		}
		norm += v * v
	}
	if float64(nonZero)/float64(len(emb)) < minNonZero {
		return false
	}
	return math.Sqrt(norm) >= minMagnitude
}

// Match is one candidate identity scored against a probe embedding.
type Match struct {
	ID         string
	Similarity float64
	Centroid   float64
}

// BestMatch scores probe against every candidate and returns the best
// one. Similarity is the maximum over the candidate's stored embeddings.
// When the two top candidates' centroid similarities are within minGap
// of each other the match is ambiguous: the winner's similarity is
// demoted into the verification band and the second return is true.
func BestMatch(probe []float64, candidates map[string]*Record, minGap float64) (Match, bool) {
	var matches []Match
	for id, rec := range candidates {
		if rec == nil || len(rec.Embeddings) == 0 {
			continue
		}
		best := 0.0
		for _, emb := range rec.Embeddings {
			if sim := Cosine(probe, emb); sim > best {
				best = sim
			}
		}
		matches = append(matches, Match{
			ID:         id,
			Similarity: best,
			Centroid:   CentroidSimilarity(probe, rec.Embeddings),
		})
	}
	if len(matches) == 0 {
		return Match{}, false
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.Similarity > best.Similarity {
			best = m
		}
	}
	if len(matches) < 2 {
		return best, false
	}

	secondCentroid := -1.0
	for _, m := range matches {
		if m.ID == best.ID {
			continue
		}
		if m.Centroid > secondCentroid {
			secondCentroid = m.Centroid
		}
	}
	if secondCentroid >= 0 && best.Centroid-secondCentroid < minGap &&
		(best.Similarity > demotedSimilarity || best.Centroid > demotedSimilarity) {
		// Both scores collapse into the verification zone so an
		// ambiguous winner can never re-qualify as a confident match
		// through either of them.
		if best.Similarity > demotedSimilarity {
			best.Similarity = demotedSimilarity
		}
		if best.Centroid > demotedSimilarity {
			best.Centroid = demotedSimilarity
		}
		return best, true
	}
	return best, false
}
