package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	forwardQueueSize = 1024
	forwardUserAgent = "Ironhall-Audit-Forwarder/1.0"
)

// Reasons passed to the drop callback.
const (
	dropQueueFull     = "queue_full"
	dropRejected      = "rejected"
	dropUndeliverable = "undeliverable"
)

// forwardedEvent is the JSON body POSTed for one audit event. Seq and
// ChainHash are set for events persisted in the audit trail so a collector
// can match deliveries against `ironhall audit verify`.
type forwardedEvent struct {
	Event      string            `json:"event"`
	ServerName string            `json:"server_name"`
	UserID     string            `json:"user_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Seq        uint64            `json:"seq,omitempty"`
	ChainHash  string            `json:"chain_hash,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// errRejected marks a 4xx answer other than 429; those are never retried.
var errRejected = errors.New("collector rejected event")

// auditForwarder delivers audit events to an HTTP collector from a single
// background goroutine. enqueue never blocks; a full queue drops the event.
type auditForwarder struct {
	endpoint   string
	headerName string
	headerVal  string
	client     *http.Client
	logger     *slog.Logger
	dropped    func(reason string)
	backoff    []time.Duration

	queue     chan forwardedEvent
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// newAuditForwarder starts a forwarder. authHeader is "Name: value" or
// empty. dropped may be nil.
func newAuditForwarder(endpoint, authHeader string, logger *slog.Logger, dropped func(reason string)) *auditForwarder {
	return startAuditForwarder(endpoint, authHeader, logger, dropped, forwardQueueSize)
}

func startAuditForwarder(endpoint, authHeader string, logger *slog.Logger, dropped func(reason string), queueSize int) *auditForwarder {
	ctx, cancel := context.WithCancel(context.Background())
	f := &auditForwarder{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "audit_forward"),
		dropped:  dropped,
		backoff:  []time.Duration{500 * time.Millisecond, 2 * time.Second},
		queue:    make(chan forwardedEvent, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if authHeader != "" {
		name, value, ok := strings.Cut(authHeader, ":")
		if ok && strings.TrimSpace(name) != "" {
			f.headerName, f.headerVal = strings.TrimSpace(name), strings.TrimSpace(value)
		} else {
			f.logger.Warn("ignoring malformed auth header; expected \"Name: value\"")
		}
	}
	go f.run()
	return f
}

func (f *auditForwarder) drop(reason string, ev forwardedEvent) {
	f.logger.Warn("audit event not forwarded", "event", ev.Event, "reason", reason)
	if f.dropped != nil {
		f.dropped(reason)
	}
}

// enqueue reports whether ev was queued.
func (f *auditForwarder) enqueue(ev forwardedEvent) bool {
	select {
	case f.queue <- ev:
		return true
	default:
		f.drop(dropQueueFull, ev)
		return false
	}
}

// shutdown stops accepting events and waits for the queue to drain. When ctx
// ends first, the delivery in flight is cancelled and the rest are dropped.
// enqueue must not be called after shutdown.
func (f *auditForwarder) shutdown(ctx context.Context) {
	f.closeOnce.Do(func() { close(f.queue) })
	select {
	case <-f.done:
	case <-ctx.Done():
		f.cancel()
		<-f.done
	}
	f.cancel()
}

func (f *auditForwarder) run() {
	defer close(f.done)
	for ev := range f.queue {
		if f.ctx.Err() != nil {
			f.drop(dropUndeliverable, ev)
			continue
		}
		if err := f.deliver(ev); err != nil {
			reason := dropUndeliverable
			if errors.Is(err, errRejected) {
				reason = dropRejected
			}
			f.logger.Warn("audit delivery failed", "event", ev.Event, "error", err)
			f.drop(reason, ev)
		}
	}
}

// deliver posts ev, retrying transport errors, 429 and 5xx after each
// backoff step.
func (f *auditForwarder) deliver(ev forwardedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt <= len(f.backoff); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.backoff[attempt-1]):
			case <-f.ctx.Done():
				return f.ctx.Err()
			}
		}
		lastErr = f.post(body)
		if lastErr == nil || errors.Is(lastErr, errRejected) || f.ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (f *auditForwarder) post(body []byte) error {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", forwardUserAgent)
	if f.headerName != "" {
		req.Header.Set(f.headerName, f.headerVal)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
	}
}
