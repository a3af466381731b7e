package domain

import "time"

// RunStatus is the terminal status of a Run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Run is one harvest attempt of one Source. It is immutable once finalized.
type Run struct {
	ID        string    `json:"id"         db:"id"`
	SourceID  string    `json:"source_id"  db:"source_id"`
	StartedAt time.Time `json:"started_at" db:"started_at"`
	EndedAt   time.Time `json:"ended_at"   db:"ended_at"`
	Status    RunStatus `json:"status"     db:"status"`
	Records   int       `json:"records"    db:"records"`
	Endpoint  string    `json:"endpoint"   db:"endpoint"` // winning endpoint URL, empty if none
	Error     string    `json:"error"      db:"error_msg"`
	Attempts  int       `json:"attempts"   db:"attempts"`

	// Cancelled is set when the run was stopped by shutdown or an operator
	// rather than by the source.
	Cancelled bool `json:"cancelled,omitempty" db:"cancelled"`
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Delivered reports whether the run produced at least one usable record.
func (r Run) Delivered() bool {
	return r.Status != RunFailed && r.Records > 0
}
