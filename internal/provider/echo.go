package provider

import (
	"context"
	"strings"
	"time"

	"github.com/ahmetk3436/relay/internal/models"
)

// Echo streams the last user message back word by word. It needs no
// credentials and is used for local development and tests.
type Echo struct {
	delay time.Duration
}

func NewEcho(delay time.Duration) *Echo {
	return &Echo{delay: delay}
}

func (e *Echo) Stream(ctx context.Context, model string, history []Message, onFragment func(string) error) error {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			last = history[i].Content
			break
		}
	}

	for _, frag := range splitWords(last) {
		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onFragment(frag); err != nil {
			return err
		}
	}
	return nil
}

// Complete returns the first words of the last paragraph of the prompt.
func (e *Echo) Complete(ctx context.Context, model, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	parts := strings.Split(strings.TrimSpace(prompt), "\n\n")
	words := strings.Fields(parts[len(parts)-1])
	if len(words) == 0 {
		return "", ErrEmptyResponse
	}
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " "), nil
}

// splitWords keeps the separating whitespace attached to each word so the
// fragments concatenate back to the input.
func splitWords(s string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := r == ' ' || r == '\n' || r == '\t'
		if !space && inSpace && i > start {
			out = append(out, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
