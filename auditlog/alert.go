package auditlog

import (
	"context"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRotationFailureSpike AlertType = "rotation_failure_spike"
	AlertMasterRotated        AlertType = "master_rotated"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultFailureWindow    = 15 * time.Minute
	defaultFailureThreshold = 3
)

// AlertSink watches the audit stream for bursts of failed rotations and for
// master secret rotations, which invalidate every stored envelope.
type AlertSink struct {
	mu sync.Mutex

	failures         []time.Time
	failureWindow    time.Duration
	failureThreshold int

	alertFn AlertFunc
	now     func() time.Time
}

// NewAlertSink returns an AlertSink with a 15 minute window and a threshold
// of three failures.
func NewAlertSink(alertFn AlertFunc) *AlertSink {
	return &AlertSink{
		failureWindow:    defaultFailureWindow,
		failureThreshold: defaultFailureThreshold,
		alertFn:          alertFn,
		now:              time.Now,
	}
}

func (a *AlertSink) Record(_ context.Context, evt Event) error {
	if a == nil || a.alertFn == nil {
		return nil
	}
	switch evt.Action {
	case ActionRotationFailed:
		a.recordFailure()
	case ActionMasterRotated:
		if evt.Error != "" {
			return nil
		}
		a.alertFn(AlertEvent{
			Type:      AlertMasterRotated,
			Message:   "master secret rotated; stored ciphertext needs re-encryption",
			Count:     1,
			Threshold: 1,
			Timestamp: a.now(),
		})
	}
	return nil
}

func (a *AlertSink) recordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.failures = append(a.failures, now)
	a.failures = trimWindow(a.failures, now, a.failureWindow)

	if len(a.failures) >= a.failureThreshold {
		a.alertFn(AlertEvent{
			Type:      AlertRotationFailureSpike,
			Message:   "rotation failure rate exceeds threshold",
			Count:     len(a.failures),
			Threshold: a.failureThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		a.failures = a.failures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
