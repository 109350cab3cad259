package outcome

import (
	"context"
	"math"
	"sort"
)

// Index retrieves prior outcomes whose request embeddings are close to the
// current request's. Cosine similarity over the stored vectors; ordering is
// deterministic for identical inputs (ties keep recency order). No history
// is an empty result, never an error; callers fall back to static registry
// data.
type Index struct {
	store     Store
	scanLimit int
}

func NewIndex(store Store) *Index {
	return &Index{store: store, scanLimit: 512}
}

type scored struct {
	rec *Record
	sim float64
}

func (ix *Index) FindSimilar(ctx context.Context, emb []float64, topK int, routerID string) ([]*Record, error) {
	if len(emb) == 0 || topK <= 0 {
		return nil, nil
	}

	recent, err := ix.store.RecentByRouter(ctx, routerID, ix.scanLimit)
	if err != nil {
		return nil, err
	}

	candidates := make([]scored, 0, len(recent))
	for _, rec := range recent {
		if len(rec.Embedding) != len(emb) {
			continue
		}
		candidates = append(candidates, scored{rec: rec, sim: cosine(emb, rec.Embedding)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].sim > candidates[j].sim
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]*Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
