// Package endpoint sends requests to one Qianfan model endpoint and turns the
// replies into frames.
//
// A Client resolves the model name against a base URL, attaches a fresh
// access token to every request, and classifies the reply: an object with
// error_code is a *RemoteRejectedError, any other object is a batch of one
// frame, and a "data: " body is parsed block by block.
package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ernie/pkg/response"
)

const (
	// DefaultTimeout bounds a blocking invocation.
	DefaultTimeout = 5 * time.Minute

	// RequestIDHeader carries the per-request id.
	RequestIDHeader = "X-Request-Id"

	// maxErrorBody bounds how much of an unexpected reply is kept in errors.
	maxErrorBody = 512
)

// TokenSource supplies access tokens. *credential.Store implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client calls a single model endpoint.
type Client struct {
	url          *url.URL
	model        string
	tokens       TokenSource
	httpClient   *http.Client
	streamClient *http.Client
	policy       response.Policy
	logger       *slog.Logger
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client for blocking invocations.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithStreamHTTPClient sets the HTTP client for streamed invocations. It
// should have no overall timeout; the context bounds the stream instead.
func WithStreamHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.streamClient = client
	}
}

// WithStreamPolicy sets how malformed blocks in a live stream are handled.
func WithStreamPolicy(policy response.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for model under baseURL. The model is resolved as a
// relative reference, so baseURL normally ends with a slash.
func New(baseURL, model string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := Resolve(baseURL, model)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:          u,
		model:        model,
		tokens:       tokens,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{},
		policy:       response.PropagateAndClose,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Resolve joins model onto baseURL following RFC 3986 reference resolution.
func Resolve(baseURL, model string) (*url.URL, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing base %q: %v", ErrURL, baseURL, err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("%w: base %q is not absolute", ErrURL, baseURL)
	}
	ref, err := url.Parse(model)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing model %q: %v", ErrURL, model, err)
	}
	return base.ResolveReference(ref), nil
}

// URL returns the resolved endpoint URL without credentials.
func (c *Client) URL() string {
	return c.url.String()
}

// Model returns the model path the client was built for.
func (c *Client) Model() string {
	return c.model
}

// Result is delivered by InvokeAsync.
type Result struct {
	Batch *response.Batch
	Err   error
}

// Invoke sends body and waits for the complete reply.
func (c *Client) Invoke(ctx context.Context, body any) (*response.Batch, error) {
	req, requestID, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	batch, err := classify(resp.StatusCode, data)
	if err != nil {
		c.logFailure(requestID, err)
		return nil, err
	}

	c.logger.Debug("endpoint invoked",
		"model", c.model,
		"request_id", requestID,
		"frames", batch.Len(),
		"duration", time.Since(start),
	)
	return batch, nil
}

// InvokeAsync runs Invoke in the background. The channel receives exactly
// one Result and is then closed.
func (c *Client) InvokeAsync(ctx context.Context, body any) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		batch, err := c.Invoke(ctx, body)
		ch <- Result{Batch: batch, Err: err}
	}()
	return ch
}

// Stream sends body and returns a stream fed as the reply arrives. Errors
// that are visible before the first block (token, connection, error object)
// are returned directly; later failures end the stream.
func (c *Client) Stream(ctx context.Context, body any) (*response.Stream, error) {
	req, requestID, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	reader := bufio.NewReader(transportReader{r: resp.Body})
	first, err := peekNonSpace(reader)
	if err != nil && err != io.EOF {
		resp.Body.Close()
		return nil, err
	}

	// A JSON object instead of a data block means the reply is not a stream:
	// usually an error object, occasionally a whole answer. An empty body is
	// classified too so it fails instead of yielding an empty stream.
	if first == '{' || err == io.EOF || resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, err
		}
		batch, err := classify(resp.StatusCode, data)
		if err != nil {
			c.logFailure(requestID, err)
			return nil, err
		}
		producer, stream := response.NewStream()
		for _, f := range batch.Frames() {
			producer.Send(f)
		}
		producer.Close()
		return stream, nil
	}

	producer, stream := response.NewStream()
	logger := c.logger.With("model", c.model, "request_id", requestID)

	go func() {
		defer resp.Body.Close()

		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-producer.Released():
				// Unblocks a read in progress.
				resp.Body.Close()
			case <-finished:
			}
		}()

		response.ReadStream(ctx, reader, producer, c.policy, logger)
		logger.Debug("endpoint stream finished")
	}()

	return stream, nil
}

// newRequest fetches a token and builds the POST request.
func (c *Client) newRequest(ctx context.Context, body any) (*http.Request, string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrAuth, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encoding request body: %w", err)
	}

	u := *c.url
	query := u.Query()
	query.Set("access_token", token)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrURL, err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	return req, requestID, nil
}

func (c *Client) logFailure(requestID string, err error) {
	var rejected *RemoteRejectedError
	if errors.As(err, &rejected) {
		c.logger.Warn("endpoint rejected request",
			"model", c.model,
			"request_id", requestID,
			"error_code", rejected.Code,
			"error_msg", rejected.Message,
		)
		return
	}
	c.logger.Error("endpoint request failed", "model", c.model, "request_id", requestID, "error", err)
}

// classify turns a complete reply into a batch or an error.
func classify(status int, data []byte) (*response.Batch, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response body (status %d)", ErrTransport, status)
	}

	if trimmed[0] == '{' {
		frame, err := response.ParseFrame(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: status %d: %w", ErrTransport, status, err)
		}
		if code, ok := frame.Get("error_code"); ok {
			msg, _ := frame.Get("error_msg")
			return nil, newRemoteRejected(data, code, msg)
		}
		if status >= http.StatusBadRequest {
			return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrTransport, status, truncate(trimmed))
		}
		return response.NewBatch(frame), nil
	}

	if status >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrTransport, status, truncate(trimmed))
	}

	batch, err := response.FromText(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return batch, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

// peekNonSpace skips leading whitespace and returns the next byte without
// consuming it.
func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := r.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// transportReader marks read failures as transport errors.
type transportReader struct {
	r io.Reader
}

func (t transportReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return n, err
}
