package proxy

import "net/http"

const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization"
	corsMaxAge       = "86400"
)

// SetCORSHeaders overwrites the CORS response headers in h.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

// WritePreflight answers a CORS preflight request without a body.
func WritePreflight(w http.ResponseWriter) {
	SetCORSHeaders(w.Header())
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusOK)
}
