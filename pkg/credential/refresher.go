package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultAuthURL is the Qianfan OAuth token endpoint.
	DefaultAuthURL = "https://aip.baidubce.com/oauth/2.0/token"

	// DefaultRefreshTimeout bounds a single token request.
	DefaultRefreshTimeout = 30 * time.Second
)

// Refresher obtains a new token from the authorization server.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context) (string, error)

// Refresh calls f(ctx).
func (f RefresherFunc) Refresh(ctx context.Context) (string, error) {
	return f(ctx)
}

// HTTPRefresherConfig holds configuration for HTTPRefresher.
type HTTPRefresherConfig struct {
	// AuthURL is the token endpoint (default: DefaultAuthURL).
	AuthURL string

	// ClientID is the application's API key (QIANFAN_AK).
	ClientID string

	// ClientSecret is the application's secret key (QIANFAN_SK).
	ClientSecret string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// HTTPRefresher performs the client-credentials grant against the Qianfan
// OAuth endpoint.
type HTTPRefresher struct {
	authURL      string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewHTTPRefresher creates a refresher. Missing credentials are not rejected
// here; Refresh reports them as ErrMissingConfig.
func NewHTTPRefresher(cfg HTTPRefresherConfig) *HTTPRefresher {
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultRefreshTimeout}
	}

	return &HTTPRefresher{
		authURL:      authURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		client:       client,
	}
}

// tokenResponse is the body returned by the token endpoint. The error
// fields are kept raw: any "error" key is a rejection, whatever its type.
type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	ExpiresIn        int64           `json:"expires_in,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	ErrorDescription json.RawMessage `json:"error_description,omitempty"`
}

// Refresh requests a new access token.
func (r *HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	if r.clientID == "" || r.clientSecret == "" {
		return "", ErrMissingConfig
	}

	endpoint, err := url.Parse(r.authURL)
	if err != nil {
		return "", fmt.Errorf("%w: parsing auth url: %v", ErrTransport, err)
	}
	query := endpoint.Query()
	query.Set("grant_type", "client_credentials")
	query.Set("client_id", r.clientID)
	query.Set("client_secret", r.clientSecret)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("%w: decoding response (status %d): %v", ErrTransport, resp.StatusCode, err)
	}

	if len(decoded.Error) > 0 {
		return "", &RejectedError{Code: rawText(decoded.Error), Description: rawText(decoded.ErrorDescription)}
	}
	if decoded.AccessToken == "" {
		return "", fmt.Errorf("%w: response (status %d) has no access_token", ErrTransport, resp.StatusCode)
	}

	return decoded.AccessToken, nil
}

// rawText renders a JSON string as its contents and any other value as
// compact JSON.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

var _ Refresher = (*HTTPRefresher)(nil)
