package proc

import (
	"context"
	"fmt"
	"time"

	"github.com/toolgate/toolgate/pkg/alerts"
)

// Leak thresholds. Any breach raises an alert; the worst breaches make
// it critical.
const (
	leakMaxOrphans = 5
	leakMaxVeryOld = 3
	leakTotalMult  = 3
)

// evaluateLeaks checks sweep counters against the leak thresholds and
// builds the alert to raise, if any.
func evaluateLeaks(c alerts.Counters) (alerts.Alert, bool) {
	var reasons []string
	severity := alerts.SeverityWarning

	if c.Orphaned > leakMaxOrphans {
		reasons = append(reasons, fmt.Sprintf("%d orphaned processes (threshold %d)", c.Orphaned, leakMaxOrphans))
	}
	if c.Zombie > 0 {
		reasons = append(reasons, fmt.Sprintf("%d zombie processes", c.Zombie))
	}
	if c.VeryOld > leakMaxVeryOld {
		reasons = append(reasons, fmt.Sprintf("%d processes older than 6h (threshold %d)", c.VeryOld, leakMaxVeryOld))
		severity = alerts.SeverityCritical
	}
	total := c.TotalManaged + c.Orphaned
	if c.Expected > 0 && total > leakTotalMult*c.Expected {
		reasons = append(reasons, fmt.Sprintf("%d matching processes for %d expected servers", total, c.Expected))
		severity = alerts.SeverityCritical
	}

	if len(reasons) == 0 {
		return alerts.Alert{}, false
	}
	return alerts.Alert{
		Severity: severity,
		Reasons:  reasons,
		Counters: c,
		At:       time.Now(),
	}, true
}

// runLeakMonitor counts without cleaning, raises an alert when the
// thresholds trip, and (when auto-clean is enabled) runs a cleaning
// sweep right away.
func (m *Manager) runLeakMonitor(ctx context.Context) {
	counters := m.sweepOnce(ctx, false)
	alert, tripped := evaluateLeaks(counters)
	if !tripped {
		return
	}
	m.sink.Deliver(ctx, alert)
	if m.cfg.App.Alerting.AutoClean {
		m.logger.Info("Leak thresholds exceeded, running cleanup sweep", "severity", alert.Severity)
		m.sweepOnce(ctx, true)
	}
}
