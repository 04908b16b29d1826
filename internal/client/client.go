// Package client talks to the AI service through the edge proxy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"edge-gateway/internal/sse"
)

const (
	modelsPath     = "/api/ai/api/v1/models"
	chatStreamPath = "/api/ai/api/v1/chat/stream"
)

// Common errors returned by the client.
var (
	ErrConnection   = errors.New("connection to edge proxy failed")
	ErrStreamClosed = errors.New("stream ended before done event")
)

// StatusError is returned when the proxy or upstream answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Config holds the client configuration.
type Config struct {
	BaseURL    string        // Edge proxy endpoint (default: http://localhost:8787)
	Token      string        // Bearer token sent on authenticated calls
	Timeout    time.Duration // Timeout for non-streaming calls (default: 30s)
	HTTPClient *http.Client  // Custom HTTP client (optional)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8787",
		Timeout: 30 * time.Second,
	}
}

// Model is one entry of the AI service's model list.
type Model struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Provider string `json:"provider"`
	Free     bool   `json:"free"`
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Client calls the AI service routes exposed by the edge proxy.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a client. The HTTP client has no overall timeout so
// streams can stay open; Config.Timeout bounds the other calls.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{config: config, httpClient: httpClient}, nil
}

// Models lists the models offered by the AI service. The route is public, so
// no token is required.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Models, nil
}

// StreamChat sends a chat request to the streaming endpoint and calls onToken
// for every token as it arrives. It returns nil once the done event is seen.
func (c *Client) StreamChat(ctx context.Context, chat ChatRequest, onToken func(string) error) error {
	body, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+chatStreamPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	r := sse.NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return ErrStreamClosed
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if ev.Name == sse.DoneEvent {
			return nil
		}
		if err := onToken(ev.Data); err != nil {
			return err
		}
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
