package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// HTTPConfig configures the HTTP embedding provider.
type HTTPConfig struct {
	// Endpoint is an OpenAI-compatible embeddings endpoint.
	Endpoint string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Model is the embedding model identifier.
	Model string

	// Dimensions is the expected embedding width. When zero the first
	// response fixes it.
	Dimensions int

	// Timeout bounds one provider call.
	Timeout time.Duration

	// PoolSize bounds idle connections kept to the provider.
	PoolSize int
}

// HTTPEmbedder generates embeddings through an OpenAI-compatible HTTP API.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    HTTPConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time.
var _ Embedder = (*HTTPEmbedder)(nil)

// embeddingRequest is the provider request body.
type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// embeddingResponse is the provider response body.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// NewHTTPEmbedder creates a new HTTP embedding provider.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}

	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving order.
// Transport failures surface as retryable provider errors; a response
// with the wrong vector width is a fatal dimension mismatch.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	body, err := json.Marshal(embeddingRequest{Input: texts, Model: e.config.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, qerrors.ProviderUnavailable("embedding", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, qerrors.ProviderUnavailable("embedding", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, qerrors.ProviderUnavailable("embedding",
				fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200)))
		}
		return nil, qerrors.New(qerrors.ErrCodeProviderMalformed,
			fmt.Sprintf("embedding provider returned status %d", resp.StatusCode), nil)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeProviderMalformed, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, qerrors.New(qerrors.ErrCodeProviderMalformed,
			fmt.Sprintf("embedding provider returned %d vectors for %d texts", len(parsed.Data), len(texts)), nil)
	}

	// The API may return entries out of order; Index restores input order.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, qerrors.New(qerrors.ErrCodeProviderMalformed,
				fmt.Sprintf("embedding provider returned out-of-range index %d", d.Index), nil)
		}
		vectors[d.Index] = d.Embedding
	}

	for _, v := range vectors {
		if err := e.checkDimensions(v); err != nil {
			return nil, err
		}
	}

	return vectors, nil
}

// checkDimensions validates one vector against the configured width.
// The first observed width fixes the dimension when unconfigured.
func (e *HTTPEmbedder) checkDimensions(v []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dims == 0 {
		e.dims = len(v)
		return nil
	}
	if len(v) != e.dims {
		return qerrors.DimensionMismatch(e.dims, len(v))
	}
	return nil
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the provider with a tiny embedding request.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := e.EmbedBatch(probeCtx, []string{"ping"})
	return err == nil
}

// Close releases connection resources.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
