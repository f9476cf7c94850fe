// Package models enumerates the model identifiers accepted by the Qianfan
// chat and embedding endpoints. Each identifier is the path segment that is
// joined onto the endpoint's base URL.
package models

import (
	"errors"
	"fmt"
)

// ErrUnknownModel is returned when a name does not match any known model.
var ErrUnknownModel = errors.New("unknown model")

// ChatModel identifies a chat completion model.
type ChatModel string

const (
	// ErnieBotTurbo is the default, low-latency chat model.
	ErnieBotTurbo  ChatModel = "eb-instant"
	ErnieBot       ChatModel = "completions"
	ErnieBot128K   ChatModel = "ernie-3.5-128k"
	ErnieSpeed     ChatModel = "ernie_speed"
	ErnieSpeed128K ChatModel = "ernie-speed-128k"
	ErnieFunc      ChatModel = "ernie-func-8k"
	Ernie40        ChatModel = "completions_pro"
)

// DefaultChatModel is used when no model is configured.
const DefaultChatModel = ErnieBotTurbo

var chatModels = []ChatModel{
	ErnieBotTurbo,
	ErnieBot,
	ErnieBot128K,
	ErnieSpeed,
	ErnieSpeed128K,
	ErnieFunc,
	Ernie40,
}

// ChatModels returns every known chat model.
func ChatModels() []ChatModel {
	out := make([]ChatModel, len(chatModels))
	copy(out, chatModels)
	return out
}

// String returns the endpoint path segment.
func (m ChatModel) String() string {
	return string(m)
}

// ParseChatModel resolves a path segment to a ChatModel.
func ParseChatModel(name string) (ChatModel, error) {
	for _, m := range chatModels {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: chat model %q", ErrUnknownModel, name)
}

// EmbeddingModel identifies an embedding model.
type EmbeddingModel string

const (
	EmbeddingV1 EmbeddingModel = "embedding-v1"
	BgeLargeZh  EmbeddingModel = "bge_large_zh"
	BgeLargeEn  EmbeddingModel = "bge_large_en"
	Tao8K       EmbeddingModel = "tao_8k"
)

// DefaultEmbeddingModel is used when no model is configured.
const DefaultEmbeddingModel = EmbeddingV1

var embeddingModels = []EmbeddingModel{
	EmbeddingV1,
	BgeLargeZh,
	BgeLargeEn,
	Tao8K,
}

// EmbeddingModels returns every known embedding model.
func EmbeddingModels() []EmbeddingModel {
	out := make([]EmbeddingModel, len(embeddingModels))
	copy(out, embeddingModels)
	return out
}

// String returns the endpoint path segment.
func (m EmbeddingModel) String() string {
	return string(m)
}

// ParseEmbeddingModel resolves a path segment to an EmbeddingModel.
func ParseEmbeddingModel(name string) (EmbeddingModel, error) {
	for _, m := range embeddingModels {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: embedding model %q", ErrUnknownModel, name)
}
