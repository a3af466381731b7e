package harvest

import "github.com/vietddude/harvester/internal/core/domain"

// ResultSet holds the records collected so far in one run, deduplicated by
// record ID. Records without an ID are always kept.
type ResultSet struct {
	seen    map[string]struct{}
	records []domain.Record
	dupes   int
}

func NewResultSet() *ResultSet {
	return &ResultSet{seen: make(map[string]struct{})}
}

// Add appends new records, stopping once limit records are held (0 means no
// limit). It returns how many were added.
func (s *ResultSet) Add(recs []domain.Record, limit int) int {
	added := 0
	for _, r := range recs {
		if limit > 0 && len(s.records) >= limit {
			break
		}
		if r.ID != "" {
			if _, ok := s.seen[r.ID]; ok {
				s.dupes++
				continue
			}
			s.seen[r.ID] = struct{}{}
		}
		s.records = append(s.records, r)
		added++
	}
	return added
}

func (s *ResultSet) Len() int { return len(s.records) }

// Duplicates returns how many records were dropped as repeats.
func (s *ResultSet) Duplicates() int { return s.dupes }

// Records returns a copy of the collected records.
func (s *ResultSet) Records() []domain.Record {
	return append([]domain.Record(nil), s.records...)
}
