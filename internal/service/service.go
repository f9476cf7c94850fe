// Package service orchestrates chat and embedding calls for the gateway.
package service

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/knoguchi/ernie/pkg/chat"
	"github.com/knoguchi/ernie/pkg/embedding"
	"github.com/knoguchi/ernie/pkg/endpoint"
	"github.com/knoguchi/ernie/pkg/models"
)

var (
	// ErrInvalidArgument is returned for requests that cannot be sent.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned for unknown models.
	ErrNotFound = errors.New("not found")
)

// Config holds the endpoint settings shared by every model client.
type Config struct {
	ChatBaseURL           string
	EmbeddingBaseURL      string
	DefaultChatModel      models.ChatModel
	DefaultEmbeddingModel models.EmbeddingModel
	EndpointOptions       []endpoint.Option
	Logger                *slog.Logger
}

// clients lazily builds one client per model and reuses it.
type clients struct {
	tokens endpoint.TokenSource
	cfg    Config

	mu         sync.Mutex
	chats      map[models.ChatModel]*chat.Client
	embeddings map[models.EmbeddingModel]*embedding.Client
}

func newClients(tokens endpoint.TokenSource, cfg Config) *clients {
	return &clients{
		tokens:     tokens,
		cfg:        cfg,
		chats:      make(map[models.ChatModel]*chat.Client),
		embeddings: make(map[models.EmbeddingModel]*embedding.Client),
	}
}

func (c *clients) chat(model models.ChatModel) (*chat.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.chats[model]; ok {
		return client, nil
	}

	opts := []chat.Option{
		chat.WithModel(model),
		chat.WithEndpointOptions(c.cfg.EndpointOptions...),
	}
	if c.cfg.ChatBaseURL != "" {
		opts = append(opts, chat.WithBaseURL(c.cfg.ChatBaseURL))
	}
	client, err := chat.New(c.tokens, opts...)
	if err != nil {
		return nil, err
	}
	c.chats[model] = client
	return client, nil
}

func (c *clients) embedding(model models.EmbeddingModel) (*embedding.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.embeddings[model]; ok {
		return client, nil
	}

	client, err := embedding.New(c.tokens, embedding.Config{
		BaseURL:         c.cfg.EmbeddingBaseURL,
		Model:           model,
		EndpointOptions: c.cfg.EndpointOptions,
	})
	if err != nil {
		return nil, err
	}
	c.embeddings[model] = client
	return client, nil
}
