package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike  AlertType = "auth_failure_spike"
	AlertRegistrationSpike AlertType = "registration_spike"
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
	defaultAuthFailureWindow     = 1 * time.Minute
	defaultAuthFailureThreshold  = 50
	defaultRegistrationWindow    = 5 * time.Minute
	defaultRegistrationThreshold = 100
)

// slidingWindow counts events inside a trailing time window.
type slidingWindow struct {
	alert     AlertType
	message   string
	times     []time.Time
	window    time.Duration
	threshold int
}

// anomalyDetector tracks sliding window counters over audit events.
type anomalyDetector struct {
	mu  sync.Mutex
	now func() time.Time

	authFailures  slidingWindow
	registrations slidingWindow

	alertFn AlertFunc
}

func newAnomalyDetector(alertFn AlertFunc) *anomalyDetector {
	return &anomalyDetector{
		now: time.Now,
		authFailures: slidingWindow{
			alert:     AlertAuthFailureSpike,
			message:   "authentication failure rate exceeds threshold",
			window:    defaultAuthFailureWindow,
			threshold: defaultAuthFailureThreshold,
		},
		registrations: slidingWindow{
			alert:     AlertRegistrationSpike,
			message:   "registration rate exceeds threshold",
			window:    defaultRegistrationWindow,
			threshold: defaultRegistrationThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (d *anomalyDetector) recordEvent(event AuditEvent) {
	if d == nil || d.alertFn == nil {
		return
	}
	switch event {
	case AuditAuthFailure:
		d.record(&d.authFailures)
	case AuditRegister, AuditRegisterGuest:
		d.record(&d.registrations)
	}
}

func (d *anomalyDetector) record(w *slidingWindow) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.window)

	if len(w.times) >= w.threshold {
		d.alertFn(AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
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
