// Package config loads the edge proxy configuration from environment
// variables, optionally layered over a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"edge-gateway/internal/auth"
	"edge-gateway/internal/keys"
	"edge-gateway/internal/ratelimit"
	"edge-gateway/internal/route"
)

const (
	defaultListenAddr      = ":8787"
	defaultAdminListenAddr = ":9090"
	defaultIssuerSubstring = "securetoken.google.com"
	defaultProjectID       = "learnstack"
	defaultPublicPath      = "/api/ai/api/v1/models"
	defaultUpstreamTimeout = 30 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
)

// service binds a route prefix to the environment variable that overrides its
// upstream.
type service struct {
	prefix   string
	env      string
	upstream string
}

var services = []service{
	{prefix: "/api/todos", env: "TODO_SERVICE_URL", upstream: "http://localhost:8080"},
	{prefix: "/api/notes", env: "NOTES_SERVICE_URL", upstream: "http://localhost:8001"},
	{prefix: "/api/chat", env: "CHAT_SERVICE_URL", upstream: "http://localhost:8002"},
	{prefix: "/api/ai", env: "AI_SERVICE_URL", upstream: "http://localhost:8003"},
}

type (
	// Config is the complete, validated proxy configuration. It is built once
	// at startup and treated as read-only.
	Config struct {
		ListenAddr      string `yaml:"listen_addr"`
		AdminListenAddr string `yaml:"admin_listen_addr"`
		// TLSCertFile and TLSKeyFile enable TLS on the edge listener. Both or
		// neither must be set.
		TLSCertFile string `yaml:"tls_cert_file"`
		TLSKeyFile  string `yaml:"tls_key_file"`

		Routes      []route.Entry `yaml:"routes"`
		PublicPaths []string      `yaml:"public_paths"`

		// RedisURL selects the shared store. Empty means in-process memory,
		// which is only correct for a single replica.
		RedisURL string `yaml:"redis_url"`

		Auth      AuthConfig      `yaml:"auth"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
		Upstream  UpstreamConfig  `yaml:"upstream"`
		Log       LogConfig       `yaml:"log"`
	}

	AuthConfig struct {
		IssuerSubstring string        `yaml:"issuer_substring"`
		ProjectID       string        `yaml:"project_id"`
		CacheTTL        time.Duration `yaml:"cache_ttl"`
		VerifySignature bool          `yaml:"verify_signature"`
		JWKSURL         string        `yaml:"jwks_url"`
		JWKSCacheTTL    time.Duration `yaml:"jwks_cache_ttl"`
	}

	RateLimitConfig struct {
		Max    int64         `yaml:"max"`
		Window time.Duration `yaml:"window"`
		// Atomic counts with the store's increment operation instead of
		// read-then-write.
		Atomic bool `yaml:"atomic"`
	}

	UpstreamConfig struct {
		SPIFFESocket          string        `yaml:"spiffe_socket"`
		ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	}

	LogConfig struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
)

// Load builds the configuration: YAML from path (if non-empty), then
// environment overrides, then defaults for anything still unset.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.hydrateDefaults()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envString("LISTEN_ADDR", c.ListenAddr)
	c.AdminListenAddr = envString("ADMIN_LISTEN_ADDR", c.AdminListenAddr)
	c.TLSCertFile = envString("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = envString("TLS_KEY_FILE", c.TLSKeyFile)
	c.RedisURL = envString("REDIS_URL", c.RedisURL)
	if v := strings.TrimSpace(os.Getenv("PUBLIC_PATHS")); v != "" {
		c.PublicPaths = splitList(v)
	}

	for _, s := range services {
		if v := envString(s.env, ""); v != "" {
			c.setUpstream(s.prefix, v)
		}
	}

	c.Auth.IssuerSubstring = envString("AUTH_ISSUER_SUBSTRING", c.Auth.IssuerSubstring)
	c.Auth.ProjectID = envString("FIREBASE_PROJECT_ID", c.Auth.ProjectID)
	c.Auth.CacheTTL = envSeconds("AUTH_CACHE_TTL_SECONDS", c.Auth.CacheTTL)
	c.Auth.VerifySignature = envBool("AUTH_VERIFY_SIGNATURE", c.Auth.VerifySignature)
	c.Auth.JWKSURL = envString("AUTH_JWKS_URL", c.Auth.JWKSURL)
	c.Auth.JWKSCacheTTL = envSeconds("AUTH_JWKS_CACHE_SECONDS", c.Auth.JWKSCacheTTL)

	c.RateLimit.Max = envInt64("RATE_LIMIT_MAX", c.RateLimit.Max)
	c.RateLimit.Window = envSeconds("RATE_LIMIT_WINDOW_SECONDS", c.RateLimit.Window)
	c.RateLimit.Atomic = envBool("RATE_LIMIT_ATOMIC", c.RateLimit.Atomic)

	c.Upstream.SPIFFESocket = envString("UPSTREAM_SPIFFE_SOCKET", c.Upstream.SPIFFESocket)
	c.Upstream.ResponseHeaderTimeout = envSeconds("UPSTREAM_TIMEOUT_SECONDS", c.Upstream.ResponseHeaderTimeout)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
}

// setUpstream points prefix at upstream, adding the route if it is missing.
func (c *Config) setUpstream(prefix, upstream string) {
	for i := range c.Routes {
		if c.Routes[i].Prefix == prefix {
			c.Routes[i].Upstream = upstream
			return
		}
	}
	c.Routes = append(c.Routes, route.Entry{Prefix: prefix, Upstream: upstream})
}

func (c *Config) hydrateDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.AdminListenAddr == "" {
		c.AdminListenAddr = defaultAdminListenAddr
	}
	for _, s := range services {
		if !c.hasRoute(s.prefix) {
			c.Routes = append(c.Routes, route.Entry{Prefix: s.prefix, Upstream: s.upstream})
		}
	}
	if c.PublicPaths == nil {
		c.PublicPaths = []string{defaultPublicPath}
	}
	if c.Auth.IssuerSubstring == "" {
		c.Auth.IssuerSubstring = defaultIssuerSubstring
	}
	if c.Auth.ProjectID == "" {
		c.Auth.ProjectID = defaultProjectID
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = auth.DefaultCacheTTL
	}
	if c.Auth.JWKSURL == "" {
		c.Auth.JWKSURL = keys.FirebaseJWKSURL
	}
	if c.Auth.JWKSCacheTTL == 0 {
		c.Auth.JWKSCacheTTL = keys.DefaultCacheTTL
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = ratelimit.DefaultLimit
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = ratelimit.DefaultWindow
	}
	if c.Upstream.ResponseHeaderTimeout == 0 {
		c.Upstream.ResponseHeaderTimeout = defaultUpstreamTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

func (c *Config) hasRoute(prefix string) bool {
	for _, r := range c.Routes {
		if r.Prefix == prefix {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	if _, err := route.NewTable(c.Routes); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	if c.RateLimit.Max < 0 {
		return fmt.Errorf("rate_limit.max must be positive, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window < time.Millisecond {
		return fmt.Errorf("rate_limit.window must be at least 1ms, got %s", c.RateLimit.Window)
	}
	if c.Auth.CacheTTL < 0 || c.Auth.JWKSCacheTTL < 0 {
		return fmt.Errorf("auth cache TTLs must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// RouteTable builds the route table from the validated routes.
func (c Config) RouteTable() (*route.Table, error) {
	return route.NewTable(c.Routes)
}
