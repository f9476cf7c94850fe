package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/ernie/internal/auth"
	"github.com/knoguchi/ernie/internal/service"
	"github.com/knoguchi/ernie/pkg/chat"
	"github.com/knoguchi/ernie/pkg/endpoint"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

type handlers struct {
	chatService      *service.ChatService
	embeddingService *service.EmbeddingService
	logger           *slog.Logger
}

type chatRequest struct {
	Messages  []chat.Message `json:"messages"`
	Prompt    string         `json:"prompt"`
	SessionID string         `json:"session_id"`
	Stream    bool           `json:"stream"`
	Options   chat.Options   `json:"options"`
}

type chatResponse struct {
	Model  string `json:"model"`
	Result string `json:"result"`
	Frames int    `json:"frames"`
}

type embeddingRequest struct {
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

type errorResponse struct {
	Error        string          `json:"error"`
	ErrorCode    int64           `json:"error_code,omitempty"`
	ProviderBody json.RawMessage `json:"provider_body,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
}

func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	req := service.ChatRequest{
		Model:     chi.URLParam(r, "model"),
		Messages:  body.Messages,
		Prompt:    body.Prompt,
		SessionID: sessionKey(r, body.SessionID),
		UserID:    auth.SubjectFromContext(r.Context()),
		Options:   body.Options,
	}

	if body.Stream {
		h.handleChatStream(w, r, req)
		return
	}

	reply, err := h.chatService.Chat(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Model:  reply.Model.String(),
		Result: reply.Result,
		Frames: reply.Frames,
	})
}

// handleChatStream re-emits each provider frame as a server-sent event.
func (h *handlers) handleChatStream(w http.ResponseWriter, r *http.Request, req service.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	stream, err := h.chatService.ChatStream(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer stream.Release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame, err := range stream.All(r.Context()) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Warn("chat stream failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
			data, _ := json.Marshal(h.errorBody(r, err))
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			return
		}

		data, err := json.Marshal(frame)
		if err != nil {
			h.logger.Error("encoding frame", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *handlers) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var body embeddingRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	model := chi.URLParam(r, "model")
	vectors, err := h.embeddingService.Embed(r.Context(), service.EmbeddingRequest{
		Model:  model,
		Input:  body.Input,
		UserID: auth.SubjectFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, embeddingResponse{Model: model, Embeddings: vectors})
}

// handleClearSession forgets a chat session's history.
func (h *handlers) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.ClearSession(sessionKey(r, chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionKey scopes a session id to the authenticated caller so callers
// cannot read or clear each other's history.
func sessionKey(r *http.Request, id string) string {
	subject := auth.SubjectFromContext(r.Context())
	if id == "" || subject == "" {
		return id
	}
	return subject + "/" + id
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding request body: %v", service.ErrInvalidArgument, err)
	}
	return nil
}

// statusFor maps service and endpoint errors to HTTP status codes.
func statusFor(err error) int {
	var rejected *endpoint.RemoteRejectedError
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &rejected):
		return http.StatusBadGateway
	case errors.Is(err, endpoint.ErrAuth):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, endpoint.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) errorBody(r *http.Request, err error) errorResponse {
	resp := errorResponse{
		Error:     err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	var rejected *endpoint.RemoteRejectedError
	if errors.As(err, &rejected) {
		resp.Error = rejected.Message
		resp.ErrorCode = rejected.Code
		if json.Valid([]byte(rejected.Body)) {
			resp.ProviderBody = json.RawMessage(rejected.Body)
		}
	}
	return resp
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "status", status, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, h.errorBody(r, err))
}
