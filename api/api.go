// Package api exposes the account lifecycle over the client-server REST
// surface.
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironhall/account"
	"github.com/jmcleod/ironhall/audit"
	"github.com/jmcleod/ironhall/internal/metrics"
	"github.com/jmcleod/ironhall/storage"
	"github.com/jmcleod/ironhall/uiaa"
)

// TokenResolver maps an access token to its user and device.
type TokenResolver interface {
	FindByToken(ctx context.Context, token string) (userID, deviceID string, err error)
}

// OriginalRequester returns the request body stored when a session began.
type OriginalRequester interface {
	OriginalRequest(ctx context.Context, actor uiaa.Identity, token string) (json.RawMessage, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	accounts       *account.Service
	tokens         TokenResolver
	sessions       OriginalRequester
	serverName     string
	appservices    map[string]string
	limiter        *ipRateLimiter
	trustedProxies []netip.Prefix
	metrics        *metrics.Metrics
	audit          *auditLogger
	auditCfg       auditOptions
	logger         *slog.Logger
}

type auditOptions struct {
	trail       storage.Repository
	forwardURL  string
	forwardAuth string
	alertFn     AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for requests and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithMetrics records rate limiting on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithAppserviceTokens registers appservice tokens keyed by token with the
// appservice ID as value. Requests presenting one register without
// interactive authentication.
func WithAppserviceTokens(tokens map[string]string) Option {
	return func(a *API) {
		for token, id := range tokens {
			a.appservices[token] = id
		}
	}
}

// WithRateLimit limits registration requests per client IP. A zero rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.limiter.close()
		a.limiter = newIPRateLimiter(perSecond, burst)
	}
}

// WithTrustedProxies configures which reverse proxies are trusted to set
// forwarding headers. Bare IPs are treated as single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithAuditTrail appends account lifecycle events to a hash-chained trail
// in repo.
func WithAuditTrail(repo storage.Repository) Option {
	return func(a *API) { a.auditCfg.trail = repo }
}

// WithAuditWebhook forwards audit events to url. authHeader, if set, is a
// "Header: Value" pair added to every delivery. Events that cannot be
// delivered are counted on the metrics set by WithMetrics.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.auditCfg.forwardURL = url
		a.auditCfg.forwardAuth = authHeader
	}
}

// WithAlertFunc enables anomaly alerts on audit events.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.auditCfg.alertFn = fn }
}

// New creates a new API instance. sessions is the interactive
// authentication engine, used to resume the original request of a session.
func New(accounts *account.Service, tokens TokenResolver, sessions OriginalRequester, serverName string, opts ...Option) *API {
	a := &API{
		accounts:    accounts,
		tokens:      tokens,
		sessions:    sessions,
		serverName:  serverName,
		appservices: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "api")

	a.audit = newAuditLogger(a.logger, a.serverName)
	if a.auditCfg.trail != nil {
		a.audit.trail = audit.NewTrail(a.auditCfg.trail)
	}
	if a.auditCfg.forwardURL != "" {
		var dropped func(string)
		if a.metrics != nil {
			dropped = a.metrics.ObserveAuditDropped
		}
		a.audit.forwarder = newAuditForwarder(a.auditCfg.forwardURL, a.auditCfg.forwardAuth, a.logger, dropped)
	}
	if a.auditCfg.alertFn != nil {
		a.audit.anomalies = newAnomalyDetector(a.auditCfg.alertFn)
	}
	return a
}

// Close stops background work and drains pending audit deliveries.
func (a *API) Close() {
	a.limiter.close()
	a.audit.close()
}

// Router returns a chi.Router with all client API routes mounted. It is
// meant to be mounted at /_matrix/client.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/_matrix/client/openapi.yaml",
		Path:    "_matrix/client/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/_matrix/client/openapi.yaml",
		Path:    "_matrix/client/redoc",
	}, nil))

	r.Route("/{version:(r0|v3)}", func(r chi.Router) {
		r.With(a.rateLimit).Get("/register/available", a.CheckAvailability)
		r.With(a.rateLimit, a.appserviceMiddleware).Post("/register", a.Register)

		r.Group(func(r chi.Router) {
			r.Use(a.AuthMiddleware)
			r.Post("/account/password", a.ChangePassword)
			r.Post("/account/deactivate", a.Deactivate)
			r.Get("/account/whoami", a.WhoAmI)
			r.Get("/account/3pid", a.ThirdPartyIdentifiers)
		})
	})

	return r
}
