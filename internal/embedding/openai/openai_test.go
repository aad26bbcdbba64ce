package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"farmadvisor/internal/domain"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeServer answers /v1/embeddings with a 3-d vector derived from each input length.
func fakeServer(t *testing.T, calls *int32, failFirst int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"busy","type":"server_error"}}`))
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(in)), 0, 0},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
}

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	c, err := NewClient(Config{
		BaseURL:    url + "/v1",
		APIKeyEnv:  "TEST_EMBED_KEY",
		Model:      "all-MiniLM-L6-v2",
		BatchSize:  2,
		MaxRetries: retries,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClient_MissingKeyIsModelUnavailable(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "")
	_, err := NewClient(Config{APIKeyEnv: "TEST_EMBED_KEY"}, nil)
	assert.True(t, errors.Is(err, domain.ErrModelUnavailable))
}

func TestPrepare_LearnsDimension(t *testing.T) {
	var calls int32
	srv := fakeServer(t, &calls, 0)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	require.NoError(t, c.Prepare(nil))
	assert.Equal(t, 3, c.Dimension())
	assert.Equal(t, "openai:all-MiniLM-L6-v2:3", c.Fingerprint())
}

func TestPrepare_UnreachableIsModelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	err := c.Prepare(nil)
	assert.True(t, errors.Is(err, domain.ErrModelUnavailable))
}

func TestEmbedBatch_BatchesAndNormalises(t *testing.T) {
	var calls int32
	srv := fakeServer(t, &calls, 0)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	require.NoError(t, c.Prepare(nil))
	atomic.StoreInt32(&calls, 0)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	// "" skips the remote call; 3 remaining inputs with batch size 2 -> 2 requests
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []float32{0, 0, 0}, vecs[1])
	for _, i := range []int{0, 2, 3} {
		assert.InDelta(t, 1.0, vecs[i][0], 1e-6)
	}
}

func TestEmbed_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := fakeServer(t, &calls, 2)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	require.NoError(t, c.Prepare(nil))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbed_NotPrepared(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0", 0)
	_, err := c.Embed(context.Background(), "wheat")
	assert.Error(t, err)
}
