package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusRecorder(t *testing.T) {
	tests := []struct {
		name    string
		write   func(r *statusRecorder)
		want    int
		written bool
	}{
		{
			name:  "nothing written",
			write: func(*statusRecorder) {},
		},
		{
			name:    "first final status wins",
			write:   func(r *statusRecorder) { r.WriteHeader(http.StatusTeapot); r.WriteHeader(http.StatusOK) },
			want:    http.StatusTeapot,
			written: true,
		},
		{
			name:    "body implies 200",
			write:   func(r *statusRecorder) { _, _ = r.Write([]byte("x")) },
			want:    http.StatusOK,
			written: true,
		},
		{
			name: "early hints are not final",
			write: func(r *statusRecorder) {
				r.WriteHeader(http.StatusEarlyHints)
				r.WriteHeader(http.StatusCreated)
			},
			want:    http.StatusCreated,
			written: true,
		},
		{
			name:  "informational only",
			write: func(r *statusRecorder) { r.WriteHeader(http.StatusContinue) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newStatusRecorder(httptest.NewRecorder())
			tt.write(rec)
			assert.Equal(t, tt.want, rec.status)
			assert.Equal(t, tt.written, rec.written())
		})
	}
}
