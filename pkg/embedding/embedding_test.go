package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/knoguchi/ernie/pkg/endpoint"
	"github.com/knoguchi/ernie/pkg/models"
	"github.com/knoguchi/ernie/pkg/response"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) {
	return string(s), nil
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// embedHandler answers with a one-element vector per input holding the
// input's length, so tests can check ordering.
func embedHandler(t *testing.T, requests *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		var req struct {
			Input  []string `json:"input"`
			UserID string   `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		data := make([]map[string]any, len(req.Input))
		// Reply in reverse to exercise index ordering.
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     j,
				"embedding": []float64{float64(len(req.Input[j]))},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "as-1",
			"object": "embedding_list",
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}
}

func newTestClient(t *testing.T, handler http.Handler, model models.EmbeddingModel) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(staticTokens("tok"), Config{
		BaseURL:         srv.URL + "/embeddings/",
		Model:           model,
		EndpointOptions: []endpoint.Option{endpoint.WithLogger(quietLogger)},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestInvoke(t *testing.T) {
	var gotUserID string
	var gotPath string
	handler := embedHandler(t, nil)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		gotUserID, _ = req["user_id"].(string)
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
	}), models.EmbeddingV1)

	resp, err := c.Invoke(context.Background(), []string{"a", "bb", "ccc"}, "u-1")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if gotPath != "/embeddings/embedding-v1" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotUserID != "u-1" {
		t.Errorf("user_id = %q", gotUserID)
	}

	vectors, err := resp.Embeddings()
	if err != nil {
		t.Fatalf("Embeddings() error = %v", err)
	}
	for i, want := range []float64{1, 2, 3} {
		if vectors[i][0] != want {
			t.Errorf("vectors[%d] = %v, want [%v]", i, vectors[i], want)
		}
	}
	usage, err := resp.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.TotalTokens != 3 {
		t.Errorf("unexpected usage %+v", usage)
	}
}

func TestResponseUsageErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{name: "missing", payload: `{"data":[]}`, wantErr: response.ErrMissingField},
		{name: "wrong type", payload: `{"data":[],"usage":"lots"}`, wantErr: response.ErrWrongType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := response.ParseFrame(tt.payload)
			if err != nil {
				t.Fatalf("ParseFrame() error = %v", err)
			}
			usage, err := (&Response{frame: frame}).Usage()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if usage != (Usage{}) {
				t.Errorf("expected zero usage, got %+v", usage)
			}
		})
	}
}

func TestInvokeOmitsEmptyUserID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if _, ok := req["user_id"]; ok {
			t.Error("user_id should be omitted")
		}
		fmt.Fprint(w, `{"data":[]}`)
	}), models.EmbeddingV1)

	if _, err := c.Invoke(context.Background(), []string{"a"}, ""); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
}

func TestInvokeRemoteRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error_code":336003,"error_msg":"input is empty"}`)
	}), models.EmbeddingV1)

	_, err := c.Invoke(context.Background(), nil, "")
	var rejected *endpoint.RemoteRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RemoteRejectedError, got %v", err)
	}
}

func TestEmbeddingsMissingData(t *testing.T) {
	resp := &Response{frame: response.NewFrame(map[string]any{"id": "x"})}
	if _, err := resp.Embeddings(); !errors.Is(err, response.ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}

	resp = &Response{frame: response.NewFrame(map[string]any{"data": "nope"})}
	if _, err := resp.Embeddings(); !errors.Is(err, response.ErrWrongType) {
		t.Errorf("expected ErrWrongType, got %v", err)
	}
}

func TestEmbedBatchSplitsByModelLimit(t *testing.T) {
	var requests atomic.Int32
	c := newTestClient(t, embedHandler(t, &requests), models.BgeLargeZh)

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = string(make([]byte, i+1))
	}

	vectors, err := c.EmbedBatch(context.Background(), texts, "")
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != 40 {
		t.Fatalf("expected 40 vectors, got %d", len(vectors))
	}
	for i, v := range vectors {
		if v[0] != float64(i+1) {
			t.Fatalf("vectors[%d] = %v, want [%d]", i, v, i+1)
		}
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("expected 3 requests of at most 16 texts, got %d", got)
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}), models.Tao8K)

	vectors, err := c.EmbedBatch(context.Background(), nil, "")
	if err != nil || len(vectors) != 0 {
		t.Errorf("EmbedBatch(nil) = %v, %v", vectors, err)
	}
	if c.Dimension() != 1024 {
		t.Errorf("Dimension() = %d", c.Dimension())
	}
}
