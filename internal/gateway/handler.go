// Package gateway is the edge request handler: preflight, routing,
// authentication, rate limiting and forwarding, in that order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"edge-gateway/internal/auth"
	"edge-gateway/internal/metrics"
	"edge-gateway/internal/proxy"
	"edge-gateway/internal/ratelimit"
	"edge-gateway/internal/route"
)

const (
	decisionAllow     = "allow"
	decisionDeny      = "deny"
	decisionError     = "error"
	decisionPreflight = "preflight"

	routeNone = "none"

	maxRequestIDLen = 128
)

// Limiter decides whether a subject may make another request.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Config wires a Handler. All fields except PublicPaths and Now are required.
type Config struct {
	Routes    *route.Table
	Verifier  auth.Verifier
	Limiter   Limiter
	Forwarder *proxy.Forwarder

	// PublicPaths skip authentication and rate limiting. An entry ending in
	// "/" matches every path below it, others match exactly. Entries are
	// compared with the escaped request path.
	PublicPaths []string

	Logger zerolog.Logger
	Now    func() time.Time
}

// Handler serves the edge listener.
type Handler struct {
	routes    *route.Table
	verifier  auth.Verifier
	limiter   Limiter
	forwarder *proxy.Forwarder
	public    map[string]bool
	publicDir []string
	logger    zerolog.Logger
	now       func() time.Time
}

// New validates cfg and builds a Handler.
func New(cfg Config) (*Handler, error) {
	switch {
	case cfg.Routes == nil:
		return nil, errors.New("gateway: route table is required")
	case cfg.Verifier == nil:
		return nil, errors.New("gateway: verifier is required")
	case cfg.Limiter == nil:
		return nil, errors.New("gateway: limiter is required")
	case cfg.Forwarder == nil:
		return nil, errors.New("gateway: forwarder is required")
	}
	h := &Handler{
		routes:    cfg.Routes,
		verifier:  cfg.Verifier,
		limiter:   cfg.Limiter,
		forwarder: cfg.Forwarder,
		public:    make(map[string]bool),
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		now:       cfg.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	for _, p := range cfg.PublicPaths {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasSuffix(p, "/"):
			h.publicDir = append(h.publicDir, p)
		default:
			h.public[p] = true
		}
	}
	return h, nil
}

// auditEvent accumulates what one request did. It is logged once the
// response is complete.
type auditEvent struct {
	RequestID string
	Method    string
	Path      string
	Route     string
	Subject   string
	Decision  string
	Reason    string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	rec := newStatusRecorder(w)
	ev := &auditEvent{
		RequestID: requestID(r),
		Method:    r.Method,
		Path:      r.URL.EscapedPath(),
		Route:     routeNone,
		Decision:  decisionAllow,
	}
	defer func() { h.audit(ev, rec, start) }()

	err := h.serve(rec, r, ev)
	if err == nil {
		return
	}
	e := classify(err)
	ev.Decision = e.decision
	ev.Reason = err.Error()
	if !rec.written() {
		writeError(rec, ev.RequestID, e)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, ev *auditEvent) error {
	if r.Method == http.MethodOptions {
		ev.Decision = decisionPreflight
		w.Header().Set(proxy.HeaderRequestID, ev.RequestID)
		proxy.WritePreflight(w)
		return nil
	}

	// Routing works on the path as sent so percent-encoded bytes are
	// forwarded untouched.
	escapedPath := r.URL.EscapedPath()
	m, ok := h.routes.Resolve(escapedPath)
	if !ok {
		return ErrRouteNotFound
	}
	ev.Route = m.Prefix

	t := &proxy.Target{RequestID: ev.RequestID}
	if !h.isPublic(escapedPath) {
		claims, err := h.authenticate(r)
		if err != nil {
			return err
		}
		ev.Subject = claims.Subject

		d, err := h.limiter.Allow(r.Context(), claims.Subject)
		if err != nil {
			return fmt.Errorf("%w: rate counter: %v", ErrStoreUnavailable, err)
		}
		setRateLimitHeaders(w.Header(), d, h.now())
		if !d.Allowed {
			return ErrRateLimitExceeded
		}
		t.Identity = &proxy.Identity{Subject: claims.Subject, Email: claims.Email}
	} else {
		ev.Reason = "public path"
	}

	target, err := m.URL(r.URL.RawQuery)
	if err != nil {
		return fmt.Errorf("%w: build target: %v", ErrUpstreamUnreachable, err)
	}
	t.URL = target

	upstreamStart := time.Now()
	err = h.forwarder.Forward(w, r, t)
	metrics.UpstreamDuration.WithLabelValues(m.Prefix).Observe(time.Since(upstreamStart).Seconds())
	return err
}

func (h *Handler) authenticate(r *http.Request) (*auth.Claims, error) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, ErrMissingCredential
	}
	claims, err := h.verifier.Verify(r.Context(), token)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, auth.ErrInvalidToken):
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func (h *Handler) isPublic(path string) bool {
	if h.public[path] {
		return true
	}
	for _, dir := range h.publicDir {
		if strings.HasPrefix(path, dir) {
			return true
		}
	}
	return false
}

func (h *Handler) audit(ev *auditEvent, rec *statusRecorder, start time.Time) {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	metrics.RequestsTotal.WithLabelValues(ev.Route, ev.Decision, strconv.Itoa(status)).Inc()

	var le *zerolog.Event
	switch ev.Decision {
	case decisionError:
		le = h.logger.Error()
	case decisionDeny:
		le = h.logger.Warn()
	default:
		le = h.logger.Info()
	}
	le.Str("request_id", ev.RequestID).
		Str("method", ev.Method).
		Str("path", ev.Path).
		Str("route", ev.Route).
		Str("subject", ev.Subject).
		Str("decision", ev.Decision).
		Str("reason", ev.Reason).
		Int("status", status).
		Int64("bytes", rec.bytes).
		Dur("duration", h.now().Sub(start)).
		Msg("request")
}

// bearerToken extracts the token from an Authorization header. The scheme is
// matched case-sensitively.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(proxy.HeaderRequestID)); id != "" && len(id) <= maxRequestIDLen {
		return id
	}
	return uuid.NewString()
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter(now)/time.Second)))
	}
}
