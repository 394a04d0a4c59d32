package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TKontu/vllm-gateway/internal/registry"
)

func TestForwardUnaryRewritesModelAndReturnsBody(t *testing.T) {
	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer upstream.Close()

	f := New()
	inst := registry.Instance{Endpoint: upstream.Listener.Addr().String()}
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()

	f.Forward(rec, req, inst, map[string]any{"model": "my-alias", "prompt": "hi"}, "owner/canonical")

	assert.Equal(t, "owner/canonical", gotModel, "the alias must be rewritten to the canonical model id before forwarding")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "yes")
}

func TestForwardUnaryPropagatesUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request upstream"))
	}))
	defer upstream.Close()

	f := New()
	inst := registry.Instance{Endpoint: upstream.Listener.Addr().String()}
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()

	f.Forward(rec, req, inst, map[string]any{"model": "alias"}, "owner/canonical")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForwardUnreachableUpstreamReturns503(t *testing.T) {
	f := New()
	inst := registry.Instance{Endpoint: "127.0.0.1:1"} // nothing listens here
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()

	f.Forward(rec, req, inst, map[string]any{"model": "alias"}, "owner/canonical")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestForwardStreamFlushesChunks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: chunk1\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: chunk2\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	f := New()
	inst := registry.Instance{Endpoint: upstream.Listener.Addr().String()}
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()

	f.Forward(rec, req, inst, map[string]any{"model": "alias", "stream": true}, "owner/canonical")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chunk1")
	assert.Contains(t, rec.Body.String(), "chunk2")
}

func TestCopyHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Content-Length", "123")
	src.Set("X-Custom", "value")

	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Content-Length"))
	assert.Equal(t, "value", dst.Get("X-Custom"))
}

func TestAsGatewayErrorNilIsNil(t *testing.T) {
	assert.Nil(t, AsGatewayError(nil))
}
