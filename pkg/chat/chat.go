// Package chat calls the Qianfan chat completion endpoints.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/knoguchi/ernie/pkg/endpoint"
	"github.com/knoguchi/ernie/pkg/models"
	"github.com/knoguchi/ernie/pkg/response"
)

// DefaultBaseURL is the chat endpoint root; the model name is joined onto it.
const DefaultBaseURL = "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/"

// ErrInvalidMessages is returned when a conversation cannot be sent as is.
var ErrInvalidMessages = errors.New("invalid messages")

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UserMessage returns a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns an assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Options are the optional generation parameters. Zero values are omitted.
type Options struct {
	// Temperature controls randomness, in (0, 1].
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling, in [0, 1].
	TopP *float64 `json:"top_p,omitempty"`

	// PenaltyScore discourages repetition, in [1, 2].
	PenaltyScore *float64 `json:"penalty_score,omitempty"`

	// System sets the persona of the model.
	System string `json:"system,omitempty"`

	Stop            []string `json:"stop,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	DisableSearch   bool     `json:"disable_search,omitempty"`
	EnableCitation  bool     `json:"enable_citation,omitempty"`
	ResponseFormat  string   `json:"response_format,omitempty"`

	// UserID identifies the end user to the provider.
	UserID string `json:"user_id,omitempty"`

	// Extra is merged into the request body last, for parameters this
	// package does not model.
	Extra map[string]any `json:"-"`
}

// Float returns a pointer to v, for the optional float options.
func Float(v float64) *float64 {
	return &v
}

// Client calls one chat model.
type Client struct {
	baseURL   string
	model     models.ChatModel
	epOptions []endpoint.Option
	ep        *endpoint.Client
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithBaseURL sets a custom endpoint root.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithModel sets the chat model (default: models.DefaultChatModel).
func WithModel(model models.ChatModel) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithEndpointOptions passes options through to the underlying endpoint client.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(c *Client) {
		c.epOptions = append(c.epOptions, opts...)
	}
}

// New creates a chat client that authenticates through tokens.
func New(tokens endpoint.TokenSource, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: DefaultBaseURL,
		model:   models.DefaultChatModel,
	}

	for _, opt := range opts {
		opt(c)
	}

	ep, err := endpoint.New(c.baseURL, c.model.String(), tokens, c.epOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating chat endpoint: %w", err)
	}
	c.ep = ep

	return c, nil
}

// Model returns the chat model.
func (c *Client) Model() models.ChatModel {
	return c.model
}

// Invoke sends the conversation and waits for the full reply.
func (c *Client) Invoke(ctx context.Context, messages []Message, opts Options) (*response.Batch, error) {
	body, err := BuildRequest(messages, opts, false)
	if err != nil {
		return nil, err
	}
	return c.ep.Invoke(ctx, body)
}

// InvokeAsync is the non-blocking form of Invoke.
func (c *Client) InvokeAsync(ctx context.Context, messages []Message, opts Options) <-chan endpoint.Result {
	body, err := BuildRequest(messages, opts, false)
	if err != nil {
		ch := make(chan endpoint.Result, 1)
		ch <- endpoint.Result{Err: err}
		close(ch)
		return ch
	}
	return c.ep.InvokeAsync(ctx, body)
}

// Stream sends the conversation with streaming enabled.
func (c *Client) Stream(ctx context.Context, messages []Message, opts Options) (*response.Stream, error) {
	body, err := BuildRequest(messages, opts, true)
	if err != nil {
		return nil, err
	}
	return c.ep.Stream(ctx, body)
}

// BuildRequest assembles the request body. The conversation must be
// non-empty and end with a user turn.
func BuildRequest(messages []Message, opts Options, stream bool) (map[string]any, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidMessages)
	}
	if last := messages[len(messages)-1]; last.Role != RoleUser {
		return nil, fmt.Errorf("%w: last message has role %q, want %q", ErrInvalidMessages, last.Role, RoleUser)
	}

	encoded, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding options: %w", err)
	}
	body := map[string]any{}
	if err := json.Unmarshal(encoded, &body); err != nil {
		return nil, fmt.Errorf("encoding options: %w", err)
	}

	maps.Copy(body, opts.Extra)
	body["messages"] = messages
	if stream {
		body["stream"] = true
	}

	return body, nil
}
