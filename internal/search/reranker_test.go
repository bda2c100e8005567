package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

func TestNoOpReranker_PreservesOrder(t *testing.T) {
	r := &NoOpReranker{}

	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, i, res.Index)
	}
	assert.Greater(t, results[0].Score, results[1].Score)

	limited, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// rerankServer scores each document by how many query terms it shares.
func rerankServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type res struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		}
		out := make([]res, len(req.Documents))
		terms := strings.Fields(strings.ToLower(req.Query))
		for i, doc := range req.Documents {
			lower := strings.ToLower(doc)
			score := 0.0
			for _, term := range terms {
				if strings.Contains(lower, term) {
					score += 1.0
				}
			}
			out[i] = res{Index: i, RelevanceScore: score}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": out})
	}))
}

func TestHTTPReranker_ReordersByRelevance(t *testing.T) {
	srv := rerankServer(t, nil)
	defer srv.Close()

	r, err := NewHTTPReranker(HTTPRerankerConfig{Endpoint: srv.URL, Model: "ce"})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	docs := []string{
		"shipping takes five days",
		"refund policy: refunds within thirty days",
		"contact support by email",
	}
	results, err := r.Rerank(context.Background(), "refund policy", docs, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// The document mentioning both query terms ranks first and keeps
	// its original input index.
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2.0, results[0].Score)
}

func TestHTTPReranker_BatchesLargeInputs(t *testing.T) {
	var calls atomic.Int64
	srv := rerankServer(t, &calls)
	defer srv.Close()

	r, err := NewHTTPReranker(HTTPRerankerConfig{
		Endpoint:  srv.URL,
		Model:     "ce",
		BatchSize: 4,
	})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	docs := make([]string, 10)
	for i := range docs {
		docs[i] = "filler document"
	}
	docs[7] = "the refund answer"

	results, err := r.Rerank(context.Background(), "refund", docs, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// 10 docs at batch size 4 is 3 calls; indices stay global.
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 7, results[0].Index)
}

func TestHTTPReranker_TopKSubsetOfFullRanking(t *testing.T) {
	srv := rerankServer(t, nil)
	defer srv.Close()

	r, err := NewHTTPReranker(HTTPRerankerConfig{Endpoint: srv.URL, Model: "ce"})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	docs := []string{"refund a", "refund policy b", "nothing", "refund policy c and refund"}
	full, err := r.Rerank(context.Background(), "refund policy", docs, 0)
	require.NoError(t, err)
	top2, err := r.Rerank(context.Background(), "refund policy", docs, 2)
	require.NoError(t, err)

	require.Len(t, top2, 2)
	assert.Equal(t, full[0], top2[0])
	assert.Equal(t, full[1], top2[1])
}

func TestHTTPReranker_Unavailable(t *testing.T) {
	r, err := NewHTTPReranker(HTTPRerankerConfig{
		Endpoint: "http://127.0.0.1:1/rerank",
		Model:    "ce",
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = r.Rerank(context.Background(), "q", []string{"doc"}, 0)
	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodeProviderUnavailable, qerrors.GetCode(err))
	assert.False(t, r.Available(context.Background()))
}

func TestHTTPReranker_EmptyDocuments(t *testing.T) {
	srv := rerankServer(t, nil)
	defer srv.Close()

	r, err := NewHTTPReranker(HTTPRerankerConfig{Endpoint: srv.URL, Model: "ce"})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	results, err := r.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
