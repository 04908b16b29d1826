package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"edge-gateway/internal/auth"
	"edge-gateway/internal/config"
	"edge-gateway/internal/gateway"
	"edge-gateway/internal/keys"
	"edge-gateway/internal/kv"
	"edge-gateway/internal/proxy"
	"edge-gateway/internal/ratelimit"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("EDGE_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, os.Stdout)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (env: EDGE_CONFIG)")
	return cmd
}

// stores holds the credential cache and rate counter backends.
type stores struct {
	auth  kv.Store
	limit kv.Store
	ready gateway.ReadyFunc
	close func() error
}

func newStores(cfg config.Config) (*stores, error) {
	if cfg.RedisURL == "" {
		mem := kv.NewMemoryStore(kv.DefaultCleanupInterval)
		return &stores{auth: mem, limit: mem, ready: readiness(mem), close: func() error { return nil }}, nil
	}
	client, err := kv.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	authStore := kv.NewRedisStore(client, "auth:")
	return &stores{
		auth:  authStore,
		limit: kv.NewRedisStore(client, ""),
		ready: readiness(authStore),
		close: client.Close,
	}, nil
}

// readiness reports the store's availability when it can be pinged.
func readiness(s kv.Store) gateway.ReadyFunc {
	if p, ok := s.(kv.Pinger); ok {
		return p.Ping
	}
	return nil
}

func newVerifier(ctx context.Context, cfg config.Config, store kv.Store, logger zerolog.Logger) auth.Verifier {
	var opts []auth.Option
	if cfg.Auth.VerifySignature {
		jwks := keys.NewCache(cfg.Auth.JWKSURL, nil, cfg.Auth.JWKSCacheTTL)
		if err := jwks.Refresh(ctx); err != nil {
			logger.Warn().Err(err).Str("jwks_url", cfg.Auth.JWKSURL).Msg("initial JWKS fetch failed; will retry on demand")
		}
		opts = append(opts, auth.WithKeySource(jwks.KeyfuncContext))
	} else {
		logger.Warn().Msg("token signatures are not verified; set AUTH_VERIFY_SIGNATURE=true to enable")
	}
	claims := auth.NewClaimsVerifier(cfg.Auth.IssuerSubstring, cfg.Auth.ProjectID, opts...)
	return auth.NewCachedVerifier(store, claims, cfg.Auth.CacheTTL, logger)
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	routes, err := cfg.RouteTable()
	if err != nil {
		return err
	}

	st, err := newStores(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	var limiterOpts []ratelimit.Option
	if cfg.RateLimit.Atomic {
		limiterOpts = append(limiterOpts, ratelimit.WithAtomicIncrement())
	}
	limiter := ratelimit.New(st.limit, cfg.RateLimit.Max, cfg.RateLimit.Window, limiterOpts...)

	var upstreamTLS *tls.Config
	if cfg.Upstream.SPIFFESocket != "" {
		tlsCfg, source, err := proxy.SPIFFEClientTLS(ctx, cfg.Upstream.SPIFFESocket)
		if err != nil {
			return err
		}
		defer source.Close()
		upstreamTLS = tlsCfg
	}
	transport := proxy.NewTransport(proxy.TransportConfig{
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout,
		TLSClientConfig:       upstreamTLS,
	})

	handler, err := gateway.New(gateway.Config{
		Routes:      routes,
		Verifier:    newVerifier(ctx, cfg, st.auth, logger),
		Limiter:     limiter,
		Forwarder:   proxy.NewForwarder(transport, logger),
		PublicPaths: cfg.PublicPaths,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	edgeServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              cfg.AdminListenAddr,
		Handler:           gateway.NewAdminRouter(routes, st.ready),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.AdminListenAddr).Msg("admin listening")
		errCh <- adminServer.ListenAndServe()
	}()
	go func() {
		ev := logger.Info().Str("addr", cfg.ListenAddr).Bool("tls", cfg.TLSCertFile != "")
		for _, r := range routes.Entries() {
			ev = ev.Str(r.Prefix, r.Upstream)
		}
		ev.Msg("edge proxy listening")
		if cfg.TLSCertFile != "" {
			errCh <- edgeServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		errCh <- edgeServer.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = edgeServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
