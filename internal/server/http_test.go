package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/knoguchi/ernie/internal/auth"
	"github.com/knoguchi/ernie/internal/memory"
	"github.com/knoguchi/ernie/internal/service"
	"github.com/knoguchi/ernie/pkg/endpoint"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) {
	return string(s), nil
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// provider fakes the Qianfan chat and embedding endpoints.
func provider() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		last := body.Messages[len(body.Messages)-1].Content

		switch {
		case last == "count":
			fmt.Fprintf(w, `{"result":"%d","is_end":true}`, len(body.Messages))
		case last == "reject":
			fmt.Fprint(w, `{"error_code":17,"error_msg":"Open api daily request limit reached"}`)
		case body.Stream:
			fmt.Fprintf(w, "data: {\"result\":\"echo: \"}\n\ndata: {\"result\":%q,\"is_end\":true}\n\n", last)
		default:
			fmt.Fprintf(w, `{"result":%q,"is_end":true}`, "echo: "+last)
		}
	})
	mux.HandleFunc("/embeddings/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		data := make([]map[string]any, len(body.Input))
		for i, in := range body.Input {
			data[i] = map[string]any{"index": i, "embedding": []float64{float64(len(in)), 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	return mux
}

func newTestGateway(t *testing.T, jwt *auth.JWTManager, ready func(context.Context) error) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(provider())
	t.Cleanup(upstream.Close)

	cfg := service.Config{
		ChatBaseURL:      upstream.URL + "/chat/",
		EmbeddingBaseURL: upstream.URL + "/embeddings/",
		EndpointOptions:  []endpoint.Option{endpoint.WithLogger(quietLogger)},
		Logger:           quietLogger,
	}
	store := memory.NewStore(20, time.Hour)
	t.Cleanup(store.Close)

	router := NewRouter(HTTPServerConfig{
		Chat:       service.NewChatService(staticTokens("tok"), cfg, service.WithMemory(store)),
		Embeddings: service.NewEmbeddingService(staticTokens("tok"), cfg),
		JWT:        jwt,
		Ready:      ready,
	}, quietLogger)

	gateway := httptest.NewServer(router)
	t.Cleanup(gateway.Close)
	return gateway
}

func post(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	return do(t, http.MethodPost, url, body, header)
}

func do(t *testing.T, method, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewHTTPServerRequiresServices(t *testing.T) {
	if _, err := NewHTTPServer(HTTPServerConfig{Port: 0}); err == nil {
		t.Error("expected error without services")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	notReady := errors.New("no access token")
	gateway := newTestGateway(t, nil, func(context.Context) error { return notReady })

	resp, err := http.Get(gateway.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(gateway.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", resp.StatusCode)
	}
}

func TestChatEndpoint(t *testing.T) {
	gateway := newTestGateway(t, nil, nil)

	resp := post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"hello","options":{"temperature":0.5}}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Result != "echo: hello" || got.Frames != 1 || got.Model != "eb-instant" {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestChatEndpointStream(t *testing.T) {
	gateway := newTestGateway(t, nil, nil)

	resp := post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"hi","stream":true}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var results []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decoding event %q: %v", line, err)
		}
		results = append(results, frame.Result)
	}

	if strings.Join(results, "") != "echo: hi" {
		t.Errorf("unexpected stream %q", results)
	}
}

func TestChatEndpointErrors(t *testing.T) {
	gateway := newTestGateway(t, nil, nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   int64
	}{
		{name: "unknown model", path: "/v1/chat/gpt-4", body: `{"prompt":"hi"}`, status: http.StatusNotFound},
		{name: "malformed body", path: "/v1/chat/eb-instant", body: `{"prompt":`, status: http.StatusBadRequest},
		{name: "unknown field", path: "/v1/chat/eb-instant", body: `{"promt":"hi"}`, status: http.StatusBadRequest},
		{name: "no input", path: "/v1/chat/eb-instant", body: `{}`, status: http.StatusBadRequest},
		{name: "provider rejection", path: "/v1/chat/eb-instant", body: `{"prompt":"reject"}`, status: http.StatusBadGateway, code: 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, gateway.URL+tt.path, tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var got errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decoding error body: %v", err)
			}
			if got.Error == "" {
				t.Error("expected error message")
			}
			if got.ErrorCode != tt.code {
				t.Errorf("error_code = %d, want %d", got.ErrorCode, tt.code)
			}
			if tt.code != 0 && len(got.ProviderBody) == 0 {
				t.Error("expected provider body on rejection")
			}
		})
	}
}

func TestEmbeddingsEndpoint(t *testing.T) {
	gateway := newTestGateway(t, nil, nil)

	resp := post(t, gateway.URL+"/v1/embeddings/embedding-v1", `{"input":["a","bcd"]}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got.Embeddings) != 2 || got.Embeddings[0][0] != 1 || got.Embeddings[1][0] != 3 {
		t.Errorf("unexpected embeddings %+v", got.Embeddings)
	}
}

func TestV1RequiresBearerToken(t *testing.T) {
	jwt := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	gateway := newTestGateway(t, jwt, nil)

	resp := post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"hi"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	token, err := jwt.GenerateToken("alice", "Alice")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	resp = post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"hi"}`,
		http.Header{"Authorization": {"Bearer " + token}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}

	// Health checks stay public.
	health, err := http.Get(gateway.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", health.StatusCode)
	}
}

func bearer(t *testing.T, m *auth.JWTManager, subject string) http.Header {
	t.Helper()
	token, err := m.GenerateToken(subject, "")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

// historyLength asks the provider how many messages the session sent.
func historyLength(t *testing.T, gateway *httptest.Server, header http.Header) string {
	t.Helper()
	resp := post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"count","session_id":"s1"}`, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return got.Result
}

func TestClearSessionEndpoint(t *testing.T) {
	jwt := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	gateway := newTestGateway(t, jwt, nil)
	alice := bearer(t, jwt, "alice")
	bob := bearer(t, jwt, "bob")

	if resp := post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"first","session_id":"s1"}`, alice); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := historyLength(t, gateway, alice); got != "3" {
		t.Errorf("expected history to be sent, got %s messages", got)
	}

	// Sessions are scoped to the caller.
	if got := historyLength(t, gateway, bob); got != "1" {
		t.Errorf("bob should not see alice's session, got %s messages", got)
	}

	resp := do(t, http.MethodDelete, gateway.URL+"/v1/sessions/s1", "", alice)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if got := historyLength(t, gateway, alice); got != "1" {
		t.Errorf("expected cleared session, got %s messages", got)
	}

	if resp := do(t, http.MethodDelete, gateway.URL+"/v1/sessions/s1", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated DELETE status = %d, want 401", resp.StatusCode)
	}
}

func TestTokenRefreshEndpoint(t *testing.T) {
	jwt := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	gateway := newTestGateway(t, jwt, nil)

	expired, err := jwt.GenerateTokenWithExpiry("alice", "", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateTokenWithExpiry() error = %v", err)
	}
	header := http.Header{"Authorization": {"Bearer " + expired}}

	if resp := post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"hi"}`, header); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token accepted: status = %d", resp.StatusCode)
	}

	resp := post(t, gateway.URL+"/v1/token/refresh", "", header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	resp = post(t, gateway.URL+"/v1/chat/eb-instant", `{"prompt":"hi"}`,
		http.Header{"Authorization": {"Bearer " + got.Token}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("refreshed token rejected: status = %d", resp.StatusCode)
	}
}

func TestTokenRefreshDisabledWithoutJWT(t *testing.T) {
	gateway := newTestGateway(t, nil, nil)

	resp := post(t, gateway.URL+"/v1/token/refresh", "", nil)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want the route to be absent", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", service.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("%w: x", service.ErrNotFound), http.StatusNotFound},
		{&endpoint.RemoteRejectedError{Code: 110}, http.StatusBadGateway},
		{fmt.Errorf("%w: refresh failed", endpoint.ErrAuth), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", endpoint.ErrTransport, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: connection reset", endpoint.ErrTransport), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
