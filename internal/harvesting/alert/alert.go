// Package alert notifies operators when a source keeps failing.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Alert describes a source that crossed the failure alert threshold.
type Alert struct {
	SourceID            string
	SourceName          string
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastError           string
	RunID               string
	At                  time.Time
}

// Subject is the one-line summary used for email subjects.
func (a Alert) Subject() string {
	return fmt.Sprintf("ALERT: %s harvest FAILED %d times in a row", a.SourceName, a.ConsecutiveFailures)
}

// Body is the plain-text alert body.
func (a Alert) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s (%s)\n", a.SourceName, a.SourceID)
	fmt.Fprintf(&b, "Consecutive failures: %d\n", a.ConsecutiveFailures)
	fmt.Fprintf(&b, "Failed at: %s\n", a.At.Format(time.RFC3339))
	if a.LastSuccessAt.IsZero() {
		b.WriteString("Last success: never\n")
	} else {
		fmt.Fprintf(&b, "Last success: %s\n", a.LastSuccessAt.Format(time.RFC3339))
	}
	if a.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", a.RunID)
	}
	if a.LastError != "" {
		fmt.Fprintf(&b, "\nError:\n\n%s\n", a.LastError)
	}
	b.WriteString("\nCheck logs.\n")
	return b.String()
}

// Alerter delivers alerts.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	log *slog.Logger
}

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAlerter{log: log}
}

func (l *LogAlerter) Send(_ context.Context, a Alert) error {
	l.log.Error(a.Subject(),
		"source", a.SourceID,
		"consecutive_failures", a.ConsecutiveFailures,
		"last_success_at", a.LastSuccessAt,
		"error", a.LastError,
	)
	return nil
}

// Multi fans an alert out to several alerters.
type Multi []Alerter

func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
