package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ahmetk3436/relay/internal/config"
)

const titleInstruction = "Write a short title (at most six words) for a chat that starts with the " +
	"message below. Reply with the title only, without quotes or punctuation at the end."

type Gateway struct {
	backends       map[string]Provider
	defaultBackend string
	titleModel     string
	models         []string
}

func NewGateway(defaultBackend, titleModel string, models []string) *Gateway {
	return &Gateway{
		backends:       make(map[string]Provider),
		defaultBackend: defaultBackend,
		titleModel:     titleModel,
		models:         models,
	}
}

// NewGatewayFromConfig registers every backend that has enough
// configuration to run. The echo backend is always available.
func NewGatewayFromConfig(cfg *config.Config) (*Gateway, error) {
	defaultBackend, _ := splitModel(cfg.DefaultModel)
	titleModel := cfg.TitleModel
	if titleModel == "" {
		titleModel = cfg.DefaultModel
	}
	models := cfg.Models
	if len(models) == 0 {
		models = []string{cfg.DefaultModel}
	}

	g := NewGateway(defaultBackend, titleModel, models)
	g.Register("echo", NewEcho(0))

	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		g.Register("openai", NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
	}
	if cfg.OllamaURL != "" {
		p, err := NewOllama(cfg.OllamaURL)
		if err != nil {
			return nil, fmt.Errorf("ollama backend: %w", err)
		}
		g.Register("ollama", p)
	}
	if cfg.AnthropicAPIKey != "" {
		p, err := NewAnthropic(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic backend: %w", err)
		}
		g.Register("anthropic", p)
	}

	slog.Info("Provider gateway ready", "backends", g.Backends(), "default", defaultBackend, "models", models)
	return g, nil
}

func (g *Gateway) Register(name string, p Provider) {
	g.backends[name] = p
}

func (g *Gateway) Backends() []string {
	names := make([]string, 0, len(g.backends))
	for name := range g.backends {
		names = append(names, name)
	}
	return names
}

// Models lists the model ids offered to clients.
func (g *Gateway) Models() []string {
	return append([]string(nil), g.models...)
}

// Resolve returns the backend for a model id and the model name to pass to it.
func (g *Gateway) Resolve(model string) (Provider, string, error) {
	backend, name := splitModel(model)
	if p, ok := g.backends[backend]; ok {
		return p, name, nil
	}
	if p, ok := g.backends[g.defaultBackend]; ok {
		return p, model, nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownBackend, model)
}

func (g *Gateway) Stream(ctx context.Context, model string, history []Message, onFragment func(string) error) error {
	p, name, err := g.Resolve(model)
	if err != nil {
		return err
	}
	return p.Stream(ctx, name, history, onFragment)
}

// RequestTitle asks the title model for a raw title. Callers clean it up.
func (g *Gateway) RequestTitle(ctx context.Context, seed string) (string, error) {
	p, name, err := g.Resolve(g.titleModel)
	if err != nil {
		return "", err
	}
	return p.Complete(ctx, name, titleInstruction+"\n\n"+seed)
}

// BackendOf returns the backend label used for metrics.
func (g *Gateway) BackendOf(model string) string {
	backend, _ := splitModel(model)
	if _, ok := g.backends[backend]; ok {
		return backend
	}
	return g.defaultBackend
}

func splitModel(model string) (string, string) {
	backend, name, ok := strings.Cut(model, "/")
	if !ok {
		return "", model
	}
	return backend, name
}
