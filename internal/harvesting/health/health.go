// Package health tracks per-source failure streaks and decides when to alert.
package health

import (
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
)

// Status is the derived health state of a source or of the whole process.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// DefaultAlertInterval is the number of consecutive failures between alerts.
const DefaultAlertInterval = 3

// StateOf maps a failure streak to a status.
func StateOf(failures, interval int) Status {
	if interval <= 0 {
		interval = DefaultAlertInterval
	}
	switch {
	case failures <= 0:
		return StatusHealthy
	case failures < interval:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// Apply folds one finished run into a health record and reports whether an
// alert is due. It does not touch storage.
func Apply(rec domain.HealthRecord, run domain.Run, interval int) (domain.HealthRecord, bool) {
	if interval <= 0 {
		interval = DefaultAlertInterval
	}
	rec.SourceID = run.SourceID
	rec.LastRunAt = run.EndedAt
	rec.LastStatus = run.Status

	switch {
	case run.Delivered():
		rec.ConsecutiveFailures = 0
		rec.LastSuccessAt = run.EndedAt
		return rec, false
	case run.Status == domain.RunSuccess:
		// The source answered with nothing new.
		rec.ConsecutiveFailures = 0
		return rec, false
	case run.Cancelled:
		// Shutdown says nothing about the source.
		return rec, false
	default:
		rec.ConsecutiveFailures++
	}

	if rec.ConsecutiveFailures%interval == 0 {
		rec.LastAlertAt = run.EndedAt
		return rec, true
	}
	return rec, false
}

// SourceHealth is the operator view of one source.
type SourceHealth struct {
	SourceID            string           `json:"source_id"`
	Name                string           `json:"name"`
	Status              Status           `json:"status"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastSuccessAt       time.Time        `json:"last_success_at,omitzero"`
	LastAlertAt         time.Time        `json:"last_alert_at,omitzero"`
	LastRunAt           time.Time        `json:"last_run_at,omitzero"`
	LastStatus          domain.RunStatus `json:"last_status,omitempty"`
}

// Worst returns the most severe status in a report.
func Worst(report []SourceHealth) Status {
	status := StatusHealthy
	for _, h := range report {
		if h.Status == StatusCritical {
			return StatusCritical
		}
		if h.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
