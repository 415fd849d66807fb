package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/toolgate/toolgate/pkg/alerts"
)

func TestShouldCleanOrphan(t *testing.T) {
	tests := []struct {
		name   string
		sample orphanSample
		want   bool
	}{
		{
			name:   "very old is always cleaned",
			sample: orphanSample{Age: 7 * time.Hour},
			want:   true,
		},
		{
			name:   "middle age idle is kept",
			sample: orphanSample{Age: 3 * time.Hour, CPUPercent: 5, RSSMB: 100},
			want:   false,
		},
		{
			name:   "middle age hot cpu is cleaned",
			sample: orphanSample{Age: 3 * time.Hour, CPUPercent: 75},
			want:   true,
		},
		{
			name:   "middle age fat rss is cleaned",
			sample: orphanSample{Age: 3 * time.Hour, RSSMB: 800},
			want:   true,
		},
		{
			name:   "middle age past four hours is cleaned",
			sample: orphanSample{Age: 5 * time.Hour},
			want:   true,
		},
		{
			name:   "young live process is kept",
			sample: orphanSample{Age: time.Hour},
			want:   false,
		},
		{
			name:   "young zombie is cleaned",
			sample: orphanSample{Age: time.Hour, Zombie: true},
			want:   true,
		},
		{
			name:   "fresh process is never touched",
			sample: orphanSample{Age: 10 * time.Minute, Zombie: true, CPUPercent: 100},
			want:   false,
		},
		{
			name:   "boundary thirty minutes stays protected",
			sample: orphanSample{Age: 30 * time.Minute, Zombie: true},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := shouldCleanOrphan(tt.sample)
			assert.Equal(t, tt.want, got)
			if got {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestEvaluateLeaks(t *testing.T) {
	t.Run("clean counters raise nothing", func(t *testing.T) {
		_, tripped := evaluateLeaks(alerts.Counters{TotalManaged: 3, Expected: 3})
		assert.False(t, tripped)
	})

	t.Run("orphans above threshold warn", func(t *testing.T) {
		alert, tripped := evaluateLeaks(alerts.Counters{Orphaned: 6, Expected: 10, TotalManaged: 10})
		assert.True(t, tripped)
		assert.Equal(t, alerts.SeverityWarning, alert.Severity)
		assert.Len(t, alert.Reasons, 1)
	})

	t.Run("any zombie warns", func(t *testing.T) {
		alert, tripped := evaluateLeaks(alerts.Counters{Zombie: 1, Expected: 5, TotalManaged: 5})
		assert.True(t, tripped)
		assert.Equal(t, alerts.SeverityWarning, alert.Severity)
	})

	t.Run("very old processes are critical", func(t *testing.T) {
		alert, tripped := evaluateLeaks(alerts.Counters{VeryOld: 4, Orphaned: 4, Expected: 10, TotalManaged: 10})
		assert.True(t, tripped)
		assert.Equal(t, alerts.SeverityCritical, alert.Severity)
	})

	t.Run("runaway total is critical", func(t *testing.T) {
		alert, tripped := evaluateLeaks(alerts.Counters{TotalManaged: 4, Orphaned: 3, Expected: 2})
		assert.True(t, tripped)
		assert.Equal(t, alerts.SeverityCritical, alert.Severity)
	})

	t.Run("zero expected servers never trips the multiplier", func(t *testing.T) {
		_, tripped := evaluateLeaks(alerts.Counters{TotalManaged: 5, Expected: 0})
		assert.False(t, tripped)
	})

	t.Run("multiple breaches list every reason", func(t *testing.T) {
		alert, tripped := evaluateLeaks(alerts.Counters{Orphaned: 8, Zombie: 2, VeryOld: 4, TotalManaged: 2, Expected: 5})
		assert.True(t, tripped)
		assert.Equal(t, alerts.SeverityCritical, alert.Severity)
		assert.Len(t, alert.Reasons, 3)
	})
}
