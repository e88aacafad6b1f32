package provider

import (
	"context"
	"fmt"

	"github.com/ahmetk3436/relay/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LangChain adapts a langchaingo model. The model name of each request is
// passed through llms.WithModel.
type LangChain struct {
	name string
	llm  llms.Model
}

func NewLangChain(name string, llm llms.Model) *LangChain {
	return &LangChain{name: name, llm: llm}
}

func NewOllama(serverURL string) (*LangChain, error) {
	llm, err := ollama.New(ollama.WithServerURL(serverURL))
	if err != nil {
		return nil, err
	}
	return NewLangChain("ollama", llm), nil
}

func NewAnthropic(apiKey string) (*LangChain, error) {
	llm, err := anthropic.New(anthropic.WithToken(apiKey))
	if err != nil {
		return nil, err
	}
	return NewLangChain("anthropic", llm), nil
}

func (l *LangChain) Stream(ctx context.Context, model string, history []Message, onFragment func(string) error) error {
	_, err := l.llm.GenerateContent(ctx, toMessageContent(history),
		llms.WithModel(model),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onFragment(string(chunk))
		}),
	)
	if err != nil {
		return fmt.Errorf("%s stream: %w", l.name, err)
	}
	return nil
}

func (l *LangChain) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := l.llm.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
		llms.WithModel(model),
	)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", l.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

func toMessageContent(history []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history))
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}
