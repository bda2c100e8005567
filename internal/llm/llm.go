// Package llm provides text generation for query rewriting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// Default generation configuration.
const (
	DefaultModel   = "qwen3:0.6b"
	DefaultTimeout = 10 * time.Second
	DefaultHost    = "http://localhost:11434"
)

// Provider generates text completions for a prompt.
type Provider interface {
	// Generate returns the completion for a prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// Available reports whether the provider can serve requests.
	Available(ctx context.Context) bool
}

// Config configures the HTTP generation provider.
type Config struct {
	// Host is the Ollama-compatible server base URL.
	Host string

	// Model is the generation model identifier.
	Model string

	// Timeout bounds one generation call.
	Timeout time.Duration
}

// HTTPProvider generates completions through an Ollama-compatible
// /api/generate endpoint. Rewriting uses a small, fast model; one call
// must fit inside the query latency budget.
type HTTPProvider struct {
	client *http.Client
	config Config
}

var _ Provider = (*HTTPProvider)(nil)

// generateRequest is the /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the /api/generate response body.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewHTTPProvider creates a generation provider with defaults applied.
func NewHTTPProvider(config Config) *HTTPProvider {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &HTTPProvider{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
	}
}

// Generate makes a generation request.
func (p *HTTPProvider) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  p.config.Model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := p.config.Host + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", qerrors.ProviderUnavailable("llm", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", qerrors.ProviderUnavailable("llm",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", qerrors.Wrap(qerrors.ErrCodeProviderMalformed, err)
	}
	return genResp.Response, nil
}

// Available probes the server's version endpoint.
func (p *HTTPProvider) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.config.Host+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
