package domain

import "time"

// Record is the canonical shape of one permit listing.
type Record struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Category string    `json:"category"`
	Value    float64   `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
	Status   string    `json:"status"`
}

// Artifact is the record set delivered for a Source after a Run.
type Artifact struct {
	SourceID string    `json:"source_id"`
	RunID    string    `json:"run_id"`
	RunAt    time.Time `json:"run_at"`
	Status   RunStatus `json:"status"`
	Records  []Record  `json:"records"`

	// Partial marks checkpoint and abort artifacts.
	Partial bool `json:"partial"`

	// Fallback marks a substitution from the last good snapshot. FallbackFrom
	// and SnapshotAt identify the run the snapshot was taken from.
	Fallback     bool      `json:"fallback"`
	FallbackFrom string    `json:"fallback_from,omitempty"`
	SnapshotAt   time.Time `json:"snapshot_at,omitzero"`
}

// Clone returns a deep copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Records = append([]Record(nil), a.Records...)
	return &c
}
