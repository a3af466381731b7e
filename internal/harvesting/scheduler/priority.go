package scheduler

import (
	"sort"

	"github.com/vietddude/harvester/internal/core/domain"
)

// DefaultPenaltyBase is the failure count at which a source falls to its
// configured weight.
const DefaultPenaltyBase = 5

// Priority returns weight * max(1, base - failures). A healthy source runs
// ahead of one that keeps failing, but never below its own weight.
func Priority(weight, failures, base int) int {
	if weight <= 0 {
		weight = 1
	}
	if base <= 0 {
		base = DefaultPenaltyBase
	}
	return weight * max(1, base-failures)
}

// Ranked is a source with its effective priority for one cycle.
type Ranked struct {
	Source   domain.Source
	Failures int
	Priority int
}

// Order ranks sources by priority descending, then by id.
func Order(sources []domain.Source, failures func(sourceID string) int, base int) []Ranked {
	out := make([]Ranked, 0, len(sources))
	for _, src := range sources {
		f := failures(src.ID)
		out = append(out, Ranked{
			Source:   src,
			Failures: f,
			Priority: Priority(src.Weight, f, base),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Source.ID < out[j].Source.ID
	})
	return out
}
