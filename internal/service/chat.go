package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/ernie/internal/memory"
	"github.com/knoguchi/ernie/pkg/chat"
	"github.com/knoguchi/ernie/pkg/endpoint"
	"github.com/knoguchi/ernie/pkg/models"
	"github.com/knoguchi/ernie/pkg/response"
)

// ChatRequest is a gateway chat call. Either Messages or Prompt is set.
type ChatRequest struct {
	Model     string
	Messages  []chat.Message
	Prompt    string
	SessionID string
	UserID    string
	Options   chat.Options
}

// ChatReply is the result of a blocking chat call.
type ChatReply struct {
	Model    models.ChatModel
	Result   string
	Frames   int
	Duration time.Duration
}

// ChatService sends conversations to the chat models, keeping per-session
// history when a session id is given.
type ChatService struct {
	clients *clients
	memory  *memory.Store
	logger  *slog.Logger
}

// ChatServiceOption is a functional option for configuring ChatService.
type ChatServiceOption func(*ChatService)

// WithMemory sets the conversation store (default: memory.DefaultStore()).
func WithMemory(store *memory.Store) ChatServiceOption {
	return func(s *ChatService) {
		s.memory = store
	}
}

// NewChatService creates a chat service authenticating through tokens.
func NewChatService(tokens endpoint.TokenSource, cfg Config, opts ...ChatServiceOption) *ChatService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &ChatService{
		clients: newClients(tokens, cfg),
		logger:  logger,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.memory == nil {
		s.memory = memory.DefaultStore()
	}

	return s
}

// Chat sends the conversation and waits for the whole reply.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	start := time.Now()

	client, messages, turn, opts, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	batch, err := client.Invoke(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	result, err := batch.WholeResult()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", endpoint.ErrTransport, err)
	}

	if req.SessionID != "" {
		s.memory.AddExchange(req.SessionID, turn, result)
	}

	reply := &ChatReply{
		Model:    client.Model(),
		Result:   result,
		Frames:   batch.Len(),
		Duration: time.Since(start),
	}
	s.logger.Info("chat completed",
		"model", reply.Model,
		"session_id", req.SessionID,
		"frames", reply.Frames,
		"duration", reply.Duration,
	)
	return reply, nil
}

// ChatStream starts a streamed reply. The returned stream carries the
// provider's frames unchanged; when a session id is given, the full reply is
// recorded once the stream ends without error.
func (s *ChatService) ChatStream(ctx context.Context, req ChatRequest) (*response.Stream, error) {
	client, messages, turn, opts, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	upstream, err := client.Stream(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	producer, downstream := response.NewStream()

	go s.tee(ctx, upstream, producer, req.SessionID, turn, client.Model())

	return downstream, nil
}

// tee forwards frames from upstream to producer and collects the reply text.
func (s *ChatService) tee(ctx context.Context, upstream *response.Stream, producer *response.Producer, sessionID string, turn []chat.Message, model models.ChatModel) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer upstream.Release()

	go func() {
		select {
		case <-producer.Released():
			cancel()
		case <-ctx.Done():
		}
	}()

	var reply strings.Builder
	frames := 0
	for {
		frame, err := upstream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("chat stream ended with error", "model", model, "session_id", sessionID, "error", err)
			producer.CloseWithError(err)
			return
		}
		frames++
		if text, err := frame.Result(); err == nil {
			reply.WriteString(text)
		}
		if !producer.Send(frame) {
			// Consumer went away; the reply is incomplete.
			return
		}
	}

	if sessionID != "" {
		s.memory.AddExchange(sessionID, turn, reply.String())
	}
	s.logger.Info("chat stream completed", "model", model, "session_id", sessionID, "frames", frames)
	producer.Close()
}

// ClearSession forgets the history of a session.
func (s *ChatService) ClearSession(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	s.memory.ClearSession(sessionID)
	s.logger.Info("chat session cleared", "session_id", sessionID)
	return nil
}

// prepare resolves the model and assembles the conversation. turn is the
// part of the conversation supplied by this request.
func (s *ChatService) prepare(req ChatRequest) (*chat.Client, []chat.Message, []chat.Message, chat.Options, error) {
	model := s.clients.cfg.DefaultChatModel
	if req.Model != "" {
		parsed, err := models.ParseChatModel(req.Model)
		if err != nil {
			return nil, nil, nil, chat.Options{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		model = parsed
	}
	if model == "" {
		model = models.DefaultChatModel
	}

	var turn []chat.Message
	switch {
	case len(req.Messages) > 0 && req.Prompt != "":
		return nil, nil, nil, chat.Options{}, fmt.Errorf("%w: set either messages or prompt, not both", ErrInvalidArgument)
	case req.Prompt != "":
		turn = []chat.Message{chat.UserMessage(req.Prompt)}
	case len(req.Messages) > 0:
		turn = req.Messages
	default:
		return nil, nil, nil, chat.Options{}, fmt.Errorf("%w: messages or prompt is required", ErrInvalidArgument)
	}

	messages := turn
	if req.SessionID != "" {
		messages = append(s.memory.ChatMessages(req.SessionID), turn...)
	}
	if messages[len(messages)-1].Role != chat.RoleUser {
		return nil, nil, nil, chat.Options{}, fmt.Errorf("%w: conversation must end with a user message", ErrInvalidArgument)
	}

	opts := req.Options
	if opts.UserID == "" {
		opts.UserID = req.UserID
	}

	client, err := s.clients.chat(model)
	if err != nil {
		return nil, nil, nil, chat.Options{}, err
	}
	return client, messages, turn, opts, nil
}
