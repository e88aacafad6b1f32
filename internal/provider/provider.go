// Package provider puts the model backends behind one streaming contract.
//
// A model id has the form "<backend>/<model>", e.g. "openai/gpt-4o-mini" or
// "ollama/llama3.1:8b". Ids without a known backend prefix go to the default
// backend unchanged.
package provider

import (
	"context"
	"errors"

	"github.com/ahmetk3436/relay/internal/models"
)

var (
	ErrUnknownBackend = errors.New("unknown model backend")
	ErrEmptyResponse  = errors.New("provider returned no content")
)

// Message is one turn of history sent to a backend.
type Message struct {
	Role    models.Role
	Content string
}

// Provider is implemented by each backend. Stream calls onFragment for every
// text fragment in arrival order and returns nil on clean completion. An
// error from onFragment stops the stream and is returned.
type Provider interface {
	Stream(ctx context.Context, model string, history []Message, onFragment func(string) error) error
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// FromModels converts stored messages into provider history. Assistant
// messages that are empty are skipped so placeholders never reach a backend.
func FromModels(msgs []models.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: m.Content})
	}
	return out
}
