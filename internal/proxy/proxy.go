// Package proxy implements C6's forwarding half: rewriting and forwarding
// the in-flight request to the admitted instance, handling unary and
// streaming responses (§4.6), grounded on GinoKube's
// internal/api/handler.go proxyToModel (header copy, chunked SSE
// flushing vs buffered JSON decode, hop-by-hop header stripping).
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TKontu/vllm-gateway/internal/gwerrors"
	"github.com/TKontu/vllm-gateway/internal/registry"
)

// unaryTimeout is §5's "Unary proxy timeout is 300s".
const unaryTimeout = 300 * time.Second

// hopByHopHeaders are stripped in both directions per §4.6.
var hopByHopHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

// Forwarder owns the outbound HTTP client used to reach engine instances.
type Forwarder struct {
	client *http.Client
}

func New() *Forwarder {
	return &Forwarder{client: &http.Client{}}
}

// Forward implements §4.6's "Forwarding (per request, after admission)".
// canonicalModelID replaces body["model"] since the engine does not know
// aliases. The caller is expected to have already called registry.Touch.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, inst registry.Instance, body map[string]any, canonicalModelID string) {
	body["model"] = canonicalModelID
	stream, _ := body["stream"].(bool)

	encoded, err := json.Marshal(body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to re-encode request body")
		return
	}

	target := fmt.Sprintf("http://%s%s", inst.Endpoint, urlPathAndQuery(r))

	ctx := r.Context()
	var cancel context.CancelFunc
	if !stream {
		ctx, cancel = context.WithTimeout(ctx, unaryTimeout)
		defer cancel()
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(encoded))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to construct upstream request")
		return
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(outReq)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, fmt.Sprintf("upstream unavailable: %v", err))
		return
	}
	defer resp.Body.Close()

	if stream {
		forwardStream(w, resp)
		return
	}
	forwardUnary(w, resp)
}

func forwardStream(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(resp.StatusCode)

	flusher, ok := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func forwardUnary(w http.ResponseWriter, resp *http.Response) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "failed to read upstream response")
		return
	}

	if resp.StatusCode >= 400 {
		copyHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   http.StatusText(resp.StatusCode),
			"details": string(data),
		})
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func urlPathAndQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AsGatewayError maps a forwarding-path error, if any, to the gwerrors sum
// type — used by callers that need the typed error rather than a
// direct HTTP write (e.g. unit tests).
func AsGatewayError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return gwerrors.NewTransportError(err, "upstream request timed out")
	}
	return gwerrors.NewTransportError(err, "upstream request failed")
}
