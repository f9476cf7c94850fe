package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knoguchi/ernie/pkg/endpoint"
	"github.com/knoguchi/ernie/pkg/models"
)

// EmbeddingRequest is a gateway embedding call.
type EmbeddingRequest struct {
	Model  string
	Input  []string
	UserID string
}

// EmbeddingService embeds texts with the embedding models.
type EmbeddingService struct {
	clients *clients
	logger  *slog.Logger
}

// NewEmbeddingService creates an embedding service authenticating through tokens.
func NewEmbeddingService(tokens endpoint.TokenSource, cfg Config) *EmbeddingService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingService{clients: newClients(tokens, cfg), logger: logger}
}

// Embed returns one vector per input text, in order.
func (s *EmbeddingService) Embed(ctx context.Context, req EmbeddingRequest) ([][]float64, error) {
	if len(req.Input) == 0 {
		return nil, fmt.Errorf("%w: input is required", ErrInvalidArgument)
	}

	model := s.clients.cfg.DefaultEmbeddingModel
	if req.Model != "" {
		parsed, err := models.ParseEmbeddingModel(req.Model)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		model = parsed
	}
	if model == "" {
		model = models.DefaultEmbeddingModel
	}

	client, err := s.clients.embedding(model)
	if err != nil {
		return nil, err
	}

	vectors, err := client.EmbedBatch(ctx, req.Input, req.UserID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("embedding completed", "model", model, "inputs", len(req.Input))
	return vectors, nil
}
