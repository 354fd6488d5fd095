package cache

import (
	"sort"

	"github.com/socaya/dhis2cache/pkg/types"
)

// WeightedPolicy ranks entries by a weighted combination of access
// frequency and recency and evicts from the lowest score upward. With the
// default weights recency dominates, so behavior approximates LRU with
// access count breaking ties among entries touched at the same instant.
type WeightedPolicy struct {
	weightFrequency float64
	weightRecency   float64
	reserveFraction float64
}

// NewWeightedPolicy creates a policy with the given scoring weights and
// reserve fraction. The reserve fraction is the capacity headroom freed
// beyond the strict minimum so back-to-back writes do not each trigger an
// eviction pass.
func NewWeightedPolicy(weightFrequency, weightRecency, reserveFraction float64) *WeightedPolicy {
	return &WeightedPolicy{
		weightFrequency: weightFrequency,
		weightRecency:   weightRecency,
		reserveFraction: reserveFraction,
	}
}

// SelectVictims returns the keys to evict, lowest score first, so that the
// stored total plus incomingSize fits within capacity less the reserve.
// When everything fits it returns nil. An incoming entry larger than the
// whole budget still gets admitted; the policy simply clears what it can.
func (p *WeightedPolicy) SelectVictims(entries []*types.CacheEntry, incomingSize, capacity int64) []string {
	total := incomingSize
	for _, e := range entries {
		total += e.SizeBytes
	}
	if total <= capacity {
		return nil
	}

	target := capacity - int64(float64(capacity)*p.reserveFraction)

	ranked := make([]*types.CacheEntry, len(entries))
	copy(ranked, entries)
	sort.Slice(ranked, func(i, j int) bool {
		return p.score(ranked[i]) < p.score(ranked[j])
	})

	var victims []string
	for _, e := range ranked {
		if total <= target {
			break
		}
		victims = append(victims, e.Key)
		total -= e.SizeBytes
	}
	return victims
}

func (p *WeightedPolicy) score(e *types.CacheEntry) float64 {
	return float64(e.AccessCount)*p.weightFrequency +
		float64(e.LastAccessedAt.Unix())*p.weightRecency
}
