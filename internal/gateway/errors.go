package gateway

import (
	"errors"
	"net/http"

	"edge-gateway/internal/proxy"
)

// Gateway errors. Each maps to exactly one response status.
var (
	ErrRouteNotFound       = errors.New("route not found")
	ErrMissingCredential   = errors.New("missing credential")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrStoreUnavailable    = errors.New("key-value store unavailable")
	ErrUpstreamUnreachable = proxy.ErrUpstreamUnreachable
)

type errorResponse struct {
	status   int
	message  string
	decision string
}

func classify(err error) errorResponse {
	switch {
	case errors.Is(err, ErrRouteNotFound):
		return errorResponse{http.StatusNotFound, "Not Found", decisionDeny}
	case errors.Is(err, ErrMissingCredential):
		return errorResponse{http.StatusUnauthorized, "Unauthorized", decisionDeny}
	case errors.Is(err, ErrInvalidCredential):
		return errorResponse{http.StatusUnauthorized, "Invalid Token", decisionDeny}
	case errors.Is(err, ErrRateLimitExceeded):
		return errorResponse{http.StatusTooManyRequests, "Too Many Requests", decisionDeny}
	default:
		// Store failures fail the request like an unreachable upstream.
		return errorResponse{http.StatusBadGateway, "Bad Gateway", decisionError}
	}
}

// writeError sends a short plain-text error. CORS headers are included so
// browsers can read the status.
func writeError(w http.ResponseWriter, requestID string, e errorResponse) {
	h := w.Header()
	proxy.SetCORSHeaders(h)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	if requestID != "" {
		h.Set(proxy.HeaderRequestID, requestID)
	}
	w.WriteHeader(e.status)
	_, _ = w.Write([]byte(e.message))
}
