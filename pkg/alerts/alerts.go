// Package alerts delivers leak alerts raised by the process reaper.
package alerts

import (
	"context"
	"log/slog"
	"time"
)

// Severity grades a leak alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Counters are the sweep counters that tripped the alert thresholds.
type Counters struct {
	TotalManaged int `json:"total_managed"`
	Orphaned     int `json:"orphaned"`
	Zombie       int `json:"zombie"`
	Old          int `json:"old"`
	VeryOld      int `json:"very_old"`
	Expected     int `json:"expected"`
}

// Alert is one leak alert.
type Alert struct {
	Severity Severity
	Reasons  []string
	Counters Counters
	At       time.Time
}

// Sink delivers alerts. Implementations are safe for concurrent use and
// fail open: delivery problems are logged, never returned.
type Sink interface {
	Deliver(ctx context.Context, alert Alert)
}

// LogSink writes alerts to the structured log. Used when Slack delivery is
// not configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default().With("component", "alerts")}
}

// Deliver logs the alert at a level matching its severity.
func (s *LogSink) Deliver(_ context.Context, alert Alert) {
	attrs := []any{
		"severity", alert.Severity,
		"reasons", alert.Reasons,
		"total_managed", alert.Counters.TotalManaged,
		"orphaned", alert.Counters.Orphaned,
		"zombie", alert.Counters.Zombie,
		"old", alert.Counters.Old,
		"very_old", alert.Counters.VeryOld,
	}
	if alert.Severity == SeverityCritical {
		s.logger.Error("Process leak alert", attrs...)
		return
	}
	s.logger.Warn("Process leak alert", attrs...)
}
