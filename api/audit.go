package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/ironhall/audit"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegister            AuditEvent = "register"
	AuditRegisterGuest       AuditEvent = "register_guest"
	AuditPasswordChanged     AuditEvent = "password_changed"
	AuditDeactivated         AuditEvent = "deactivated"
	AuditDeactivationPartial AuditEvent = "deactivation_partial"
	AuditAuthFailure         AuditEvent = "auth_failure"
	AuditUnknownToken        AuditEvent = "unknown_token"
	AuditRateLimited         AuditEvent = "rate_limited"
)

// persistedEvents are appended to the audit trail. Failures and rate
// limiting stay in the log only so unauthenticated clients cannot grow the
// trail.
var persistedEvents = map[AuditEvent]bool{
	AuditRegister:            true,
	AuditRegisterGuest:       true,
	AuditPasswordChanged:     true,
	AuditDeactivated:         true,
	AuditDeactivationPartial: true,
}

// auditLogger wraps slog.Logger for structured security audit logging and
// fans events out to the anomaly detector, the audit trail and the
// forwarder.
type auditLogger struct {
	logger     *slog.Logger
	serverName string
	anomalies  *anomalyDetector
	trail      *audit.Trail
	forwarder  *auditForwarder
}

func newAuditLogger(logger *slog.Logger, serverName string) *auditLogger {
	return &auditLogger{
		logger:     logger.With("component", "audit"),
		serverName: serverName,
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	al.record(event, r, "", attrs)
}

// logEvent is a convenience for events about a known user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.record(event, r, userID, attrs)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.record(event, r, "", attrs)
}

func (al *auditLogger) record(event AuditEvent, r *http.Request, userID string, attrs []slog.Attr) {
	if al == nil {
		return
	}
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	al.anomalies.recordEvent(event)

	extra := attrMap(attrs)
	fwd := forwardedEvent{
		Event:      string(event),
		ServerName: al.serverName,
		UserID:     userID,
		RemoteAddr: r.RemoteAddr,
		Timestamp:  now.Format(time.RFC3339Nano),
		Attrs:      extra,
	}
	if al.trail != nil && persistedEvents[event] {
		// The request context may already be cancelled once the client
		// hangs up; the entry must still land.
		ctx := context.WithoutCancel(r.Context())
		entry, err := al.trail.Append(ctx, audit.Entry{
			Event:      string(event),
			UserID:     userID,
			RemoteAddr: r.RemoteAddr,
			Attrs:      extra,
		})
		if err != nil {
			al.logger.Error("audit trail append failed", "event", string(event), "error", err)
		} else {
			fwd.Seq, fwd.ChainHash, fwd.Timestamp = entry.Seq, entry.Hash(), entry.CreatedAt
		}
	}
	if al.forwarder != nil {
		al.forwarder.enqueue(fwd)
	}
}

// attrMap flattens attrs for the forwarder and trail, leaving out user_id
// which both carry as a field.
func attrMap(attrs []slog.Attr) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		if a.Key == "user_id" {
			continue
		}
		out[a.Key] = a.Value.String()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// forwardDrainTimeout bounds how long Close waits for pending deliveries.
const forwardDrainTimeout = 5 * time.Second

func (al *auditLogger) close() {
	if al == nil || al.forwarder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardDrainTimeout)
	defer cancel()
	al.forwarder.shutdown(ctx)
}
