package models

import (
	"errors"
	"testing"
)

func TestChatModelString(t *testing.T) {
	tests := []struct {
		model ChatModel
		want  string
	}{
		{ErnieBotTurbo, "eb-instant"},
		{ErnieBot, "completions"},
		{Ernie40, "completions_pro"},
	}

	for _, tt := range tests {
		if got := tt.model.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseChatModel(t *testing.T) {
	m, err := ParseChatModel("completions_pro")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != Ernie40 {
		t.Errorf("expected Ernie40, got %q", m)
	}

	if _, err := ParseChatModel("gpt-4o"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestParseEmbeddingModel(t *testing.T) {
	for _, m := range EmbeddingModels() {
		got, err := ParseEmbeddingModel(m.String())
		if err != nil {
			t.Errorf("ParseEmbeddingModel(%q) error = %v", m, err)
		}
		if got != m {
			t.Errorf("ParseEmbeddingModel(%q) = %q", m, got)
		}
	}

	if _, err := ParseEmbeddingModel(""); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel for empty name, got %v", err)
	}
}

func TestChatModelsReturnsCopy(t *testing.T) {
	list := ChatModels()
	list[0] = "mutated"

	if ChatModels()[0] != DefaultChatModel {
		t.Error("ChatModels() exposed internal slice")
	}
}
