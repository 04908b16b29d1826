package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// TransportConfig tunes the outbound transport. There is no overall request
// timeout because streaming responses may stay open for a long time.
type TransportConfig struct {
	ResponseHeaderTimeout time.Duration
	TLSClientConfig       *tls.Config
}

// NewTransport builds the outbound HTTP transport.
func NewTransport(cfg TransportConfig) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	t.MaxIdleConnsPerHost = 32
	if cfg.TLSClientConfig != nil {
		t.TLSClientConfig = cfg.TLSClientConfig
	}
	return t
}

// SPIFFEClientTLS returns an mTLS client config whose certificates and trust
// bundle come from the SPIFFE Workload API at socket. The returned closer
// releases the X.509 source.
func SPIFFEClientTLS(ctx context.Context, socket string) (*tls.Config, io.Closer, error) {
	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socket)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create X509Source: %w", err)
	}
	cfg := tlsconfig.MTLSClientConfig(source, source, tlsconfig.AuthorizeAny())
	cfg.MinVersion = tls.VersionTLS12
	return cfg, source, nil
}
