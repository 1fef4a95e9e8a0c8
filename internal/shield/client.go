// Package shield probes tool arguments against a content-safety endpoint
// before they reach a tool. The probe is a single HTTP round trip; any
// transport or HTTP failure is treated as fail-closed by callers.
package shield

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// apiVersion pins the shieldPrompt API revision.
	apiVersion = "2024-09-01"

	// DefaultRequestTimeout bounds a single probe.
	DefaultRequestTimeout = 10 * time.Second

	// tokenFreshness is how long before expiry a cached token is discarded.
	tokenFreshness = 300 * time.Second
)

// Token is a bearer credential with an expiry.
type Token struct {
	Value     string
	ExpiresOn time.Time
}

// TokenProvider supplies bearer tokens for the content-safety endpoint.
// Implementations may hit a cloud identity service; the client serializes
// and caches acquisitions.
type TokenProvider interface {
	GetToken(ctx context.Context) (Token, error)
}

// TokenProviderFunc adapts a function to a TokenProvider.
type TokenProviderFunc func(ctx context.Context) (Token, error)

// GetToken calls the function.
func (f TokenProviderFunc) GetToken(ctx context.Context) (Token, error) {
	return f(ctx)
}

// Result is the outcome of one shield probe.
type Result struct {
	AttackDetected bool
	Detail         string
	Elapsed        time.Duration
}

// Client calls the content-safety shieldPrompt API.
type Client struct {
	endpoint   string
	httpClient *http.Client
	provider   TokenProvider
	logger     *slog.Logger

	tokenMu sync.Mutex
	cached  Token
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Client) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Client) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewClient creates a shield client for the given endpoint.
func NewClient(endpoint string, provider TokenProvider, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("shield: endpoint is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("shield: token provider is required")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		provider:   provider,
		logger:     slog.Default().With("component", "shield"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type shieldRequest struct {
	UserPrompt string   `json:"userPrompt"`
	Documents  []string `json:"documents"`
}

type shieldResponse struct {
	UserPromptAnalysis struct {
		AttackDetected bool `json:"attackDetected"`
	} `json:"userPromptAnalysis"`
}

// Probe runs the prompt through the shield. A non-2xx status or transport
// error returns a non-nil error; callers must treat that as a denial.
func (c *Client) Probe(ctx context.Context, prompt string) (Result, error) {
	start := time.Now()

	token, err := c.token(ctx)
	if err != nil {
		return Result{Elapsed: time.Since(start)}, fmt.Errorf("shield: token: %w", err)
	}

	body, err := json.Marshal(shieldRequest{UserPrompt: prompt, Documents: []string{}})
	if err != nil {
		return Result{Elapsed: time.Since(start)}, err
	}

	url := fmt.Sprintf("%s/contentsafety/text:shieldPrompt?api-version=%s", c.endpoint, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Elapsed: time.Since(start)}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Elapsed: time.Since(start)}, fmt.Errorf("shield: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Elapsed: time.Since(start)}, fmt.Errorf("shield: status %d", resp.StatusCode)
	}

	var parsed shieldResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{Elapsed: time.Since(start)}, fmt.Errorf("shield: decode response: %w", err)
	}

	res := Result{
		AttackDetected: parsed.UserPromptAnalysis.AttackDetected,
		Elapsed:        time.Since(start),
	}
	if res.AttackDetected {
		res.Detail = "attack"
		c.logger.Warn("shield detected attack", "elapsed_ms", res.Elapsed.Milliseconds())
	} else {
		res.Detail = "clean"
	}
	return res, nil
}

// token returns a cached token, refreshing when it is within the freshness
// buffer of its expiry. Acquisition is serialized to avoid duplicate
// fetches under concurrency.
func (c *Client) token(ctx context.Context) (Token, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.cached.Value != "" && time.Until(c.cached.ExpiresOn) > tokenFreshness {
		return c.cached, nil
	}
	tok, err := c.provider.GetToken(ctx)
	if err != nil {
		return Token{}, err
	}
	c.cached = tok
	return tok, nil
}
