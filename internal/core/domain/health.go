package domain

import "time"

// HealthRecord is the rolling health state of one Source.
type HealthRecord struct {
	SourceID            string    `json:"source_id"            db:"source_id"`
	ConsecutiveFailures int       `json:"consecutive_failures" db:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at"      db:"last_success_at"`
	LastAlertAt         time.Time `json:"last_alert_at"        db:"last_alert_at"`
	LastRunAt           time.Time `json:"last_run_at"          db:"last_run_at"`
	LastStatus          RunStatus `json:"last_status"          db:"last_status"`
}
