// Package proxy forwards authenticated requests to upstream services and
// streams their responses back without buffering.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog"
)

const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderRequestID = "X-Request-Id"
)

// ErrUpstreamUnreachable is returned by Forward when no upstream response was
// received.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// hopHeaders are meaningful only for a single transport leg.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Identity is the verified caller forwarded to upstreams.
type Identity struct {
	Subject string
	Email   string
}

// Target describes one outbound request.
type Target struct {
	URL       *url.URL
	Identity  *Identity // nil for unauthenticated routes
	RequestID string

	err error
}

type targetKey struct{}

// Forwarder relays requests through httputil.ReverseProxy.
type Forwarder struct {
	proxy  *httputil.ReverseProxy
	logger zerolog.Logger
}

// NewForwarder creates a forwarder using transport for outbound calls. A nil
// transport uses http.DefaultTransport.
func NewForwarder(transport http.RoundTripper, logger zerolog.Logger) *Forwarder {
	f := &Forwarder{logger: logger.With().Str("component", "proxy").Logger()}
	f.proxy = &httputil.ReverseProxy{
		Rewrite:        rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: modifyResponse,
		ErrorHandler:   f.handleError,
		ErrorLog:       newErrorLog(f.logger),
	}
	return f
}

// Forward sends r to t.URL and relays the response to w. The outbound call
// shares r's context, so a client disconnect cancels it.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, t *Target) error {
	if t.URL == nil {
		return fmt.Errorf("%w: no target URL", ErrUpstreamUnreachable)
	}
	ctx := context.WithValue(r.Context(), targetKey{}, t)
	f.proxy.ServeHTTP(w, r.WithContext(ctx))
	return t.err
}

func rewrite(pr *httputil.ProxyRequest) {
	t := pr.In.Context().Value(targetKey{}).(*Target)

	pr.Out.Header = pr.In.Header.Clone()
	for _, h := range hopHeaders {
		pr.Out.Header.Del(h)
	}
	if t.Identity != nil {
		pr.Out.Header.Set(HeaderUserID, t.Identity.Subject)
		pr.Out.Header.Set(HeaderUserEmail, t.Identity.Email)
	} else {
		pr.Out.Header.Del(HeaderUserID)
		pr.Out.Header.Del(HeaderUserEmail)
	}
	if t.RequestID != "" {
		pr.Out.Header.Set(HeaderRequestID, t.RequestID)
	}

	u := *t.URL
	pr.Out.URL = &u
	pr.Out.Host = ""

	if pr.In.Method == http.MethodGet || pr.In.Method == http.MethodHead {
		pr.Out.Body = http.NoBody
		pr.Out.ContentLength = 0
	}
}

func modifyResponse(resp *http.Response) error {
	SetCORSHeaders(resp.Header)
	if t, ok := resp.Request.Context().Value(targetKey{}).(*Target); ok && t.RequestID != "" {
		resp.Header.Set(HeaderRequestID, t.RequestID)
	}
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	t, _ := r.Context().Value(targetKey{}).(*Target)
	if t != nil {
		t.err = fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		f.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("client went away before upstream responded")
	} else {
		f.logger.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
	}
	SetCORSHeaders(w.Header())
	if t != nil && t.RequestID != "" {
		w.Header().Set(HeaderRequestID, t.RequestID)
	}
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}
