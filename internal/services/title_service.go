package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/observability"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/repositories"
)

const (
	titleSeedRunes = 500
	titleMaxRunes  = 40
)

// TitleService derives a conversation title once, in the background.
type TitleService struct {
	convs   repositories.ConversationRepository
	gen     Generator
	hub     *realtime.Hub
	sup     *Supervisor
	metrics *observability.StreamingMetrics
	log     *slog.Logger
}

func NewTitleService(convs repositories.ConversationRepository, gen Generator, hub *realtime.Hub,
	sup *Supervisor, metrics *observability.StreamingMetrics) *TitleService {
	return &TitleService{
		convs:   convs,
		gen:     gen,
		hub:     hub,
		sup:     sup,
		metrics: metrics,
		log:     slog.With("component", "TitleService"),
	}
}

// MaybeSchedule claims the conversation's title and, if this call won the
// claim, derives it in the background. It never blocks on the provider.
func (s *TitleService) MaybeSchedule(ctx context.Context, conv models.Conversation, firstMessage string) {
	claimed, err := s.convs.ClaimTitle(ctx, conv.ID)
	if err != nil {
		s.log.Warn("Failed to claim title", "conversation_id", conv.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	seed := truncateRunes(firstMessage, titleSeedRunes)
	s.sup.GoLimited("title", func(ctx context.Context) error {
		return s.derive(ctx, conv, seed)
	})
}

func (s *TitleService) derive(ctx context.Context, conv models.Conversation, seed string) error {
	raw, err := s.gen.RequestTitle(ctx, seed)
	if err != nil {
		s.metrics.TitlesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("request title for %s: %w", conv.ID, err)
	}

	title := CleanTitle(raw)
	if title == "" {
		s.metrics.TitlesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("empty title for %s", conv.ID)
	}

	if err := s.convs.UpdateTitle(ctx, conv.ID, title); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.log.Debug("Conversation deleted before title was ready", "conversation_id", conv.ID)
			return nil
		}
		s.metrics.TitlesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("store title for %s: %w", conv.ID, err)
	}

	s.metrics.TitlesTotal.WithLabelValues("success").Inc()
	s.hub.BroadcastToUser(conv.UserID, realtime.NewEvent(realtime.EventChatTitle, conv.ID,
		realtime.TitlePayload{Title: title}))
	return nil
}

// CleanTitle keeps the first line, strips quotes and whitespace and caps
// the result at 40 characters.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, " \t\r\"'`“”‘’")
	title = truncateRunes(title, titleMaxRunes)
	return strings.TrimSpace(title)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
