package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder(128)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "how do refunds work")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "how do refunds work")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 128)
}

func TestStaticEmbedderNormalized(t *testing.T) {
	e := NewStaticEmbedder(64)

	vec, err := e.Embed(context.Background(), "payment processing and refund policy")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder(32)

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, 32)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.Greater(t, norm, 0.0)
}

func TestStaticEmbedderSharedTokensCloser(t *testing.T) {
	e := NewStaticEmbedder(256)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "refund policy for annual plans")
	b, _ := e.Embed(ctx, "refund policy for monthly plans")
	c, _ := e.Embed(ctx, "kubernetes pod scheduling internals")

	assert.Greater(t, cosine(a, b), cosine(a, c))
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// embedServer fakes an OpenAI-compatible embeddings endpoint.
func embedServer(t *testing.T, dims int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type datum struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]datum, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(len(req.Input[i]))
			data[i] = datum{Embedding: vec, Index: i}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data, "model": req.Model})
	}))
}

func TestHTTPEmbedderBatch(t *testing.T) {
	srv := embedServer(t, 8, nil)
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{
		Endpoint:   srv.URL,
		Model:      "test-model",
		Dimensions: 8,
	})
	require.NoError(t, err)
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0])
}

func TestHTTPEmbedderOutOfOrderResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		// Return entries reversed; Index must restore order.
		type datum struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]datum, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, datum{Embedding: []float32{float32(i), 0}, Index: i})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "m", Dimensions: 2})
	require.NoError(t, err)
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
}

func TestHTTPEmbedderDimensionMismatch(t *testing.T) {
	srv := embedServer(t, 4, nil)
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "m", Dimensions: 8})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodeDimensionMismatch, qerrors.GetCode(err))
	assert.True(t, qerrors.IsFatal(err))
	assert.False(t, qerrors.IsRetryable(err))
}

func TestHTTPEmbedderUnavailable(t *testing.T) {
	e, err := NewHTTPEmbedder(HTTPConfig{
		Endpoint: "http://127.0.0.1:1/v1/embeddings",
		Model:    "m",
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodeProviderUnavailable, qerrors.GetCode(err))
	assert.True(t, qerrors.IsRetryable(err))
}

func TestHTTPEmbedderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "m"})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, qerrors.IsRetryable(err))
}

func TestCachedEmbedderHit(t *testing.T) {
	var mu sync.Mutex
	innerCalls := 0
	inner := &funcEmbedder{
		dims:  4,
		model: "fake",
		batchFn: func(_ context.Context, texts []string) ([][]float32, error) {
			mu.Lock()
			innerCalls++
			mu.Unlock()
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0, 0, 0}
			}
			return out, nil
		},
	}

	cached, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "hello")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, 1, innerCalls)
	assert.InDelta(t, 0.5, cached.HitRate(), 1e-9)
}

func TestCachedEmbedderBatchPartialMiss(t *testing.T) {
	var got []string
	inner := &funcEmbedder{
		dims:  2,
		model: "fake",
		batchFn: func(_ context.Context, texts []string) ([][]float32, error) {
			got = append([]string(nil), texts...)
			out := make([][]float32, len(texts))
			for i, txt := range texts {
				out[i] = []float32{float32(len(txt)), 0}
			}
			return out, nil
		},
	}

	cached, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "aa")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"b", "aa", "ccc"})
	require.NoError(t, err)

	// Only the two uncached texts reach the inner embedder.
	assert.Equal(t, []string{"b", "ccc"}, got)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0])
}

func TestGatewayOrderPreserved(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, 4, &calls)
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "m", Dimensions: 4})
	require.NoError(t, err)
	defer e.Close()

	gw := NewGateway(e, GatewayConfig{BatchSize: 2, MaxConcurrency: 2, Dimensions: 4}, nil)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := gw.EmbedAll(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	// 5 texts at batch size 2 is 3 provider calls.
	assert.Equal(t, int64(3), calls.Load())
}

func TestGatewayPartialFailureIsolated(t *testing.T) {
	var n atomic.Int64
	inner := &funcEmbedder{
		dims:  2,
		model: "fake",
		batchFn: func(_ context.Context, texts []string) ([][]float32, error) {
			// Fail exactly the group containing "bad".
			for _, txt := range texts {
				if txt == "bad" {
					n.Add(1)
					return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "bad text", nil)
				}
			}
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0}
			}
			return out, nil
		},
	}

	gw := NewGateway(inner, GatewayConfig{BatchSize: 2, MaxConcurrency: 1}, nil)

	results := gw.EmbedTexts(context.Background(), []string{"a", "b", "bad", "d", "e", "f"})
	require.Len(t, results, 6)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.Error(t, results[3].Err)
	assert.NoError(t, results[4].Err)
	assert.NoError(t, results[5].Err)

	// Non-retryable error aborts retries after the first attempt.
	assert.Equal(t, int64(1), n.Load())
}

func TestGatewayEnforcesDimensions(t *testing.T) {
	inner := &funcEmbedder{
		dims:  3,
		model: "fake",
		batchFn: func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 2, 3}
			}
			return out, nil
		},
	}

	gw := NewGateway(inner, GatewayConfig{Dimensions: 8}, nil)

	_, err := gw.EmbedQuery(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodeDimensionMismatch, qerrors.GetCode(err))
}

func TestNormalizeVector(t *testing.T) {
	v := []float32{3, 4}
	normalizeVector(v)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := []float32{0, 0}
	normalizeVector(zero)
	assert.True(t, math.Abs(float64(zero[0])) < 1e-9)
}

// funcEmbedder is a test double driven by a batch function.
type funcEmbedder struct {
	dims    int
	model   string
	batchFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *funcEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.batchFn(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *funcEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f.batchFn(ctx, texts)
}

func (f *funcEmbedder) Dimensions() int                { return f.dims }
func (f *funcEmbedder) ModelName() string              { return f.model }
func (f *funcEmbedder) Available(context.Context) bool { return true }
func (f *funcEmbedder) Close() error                   { return nil }
