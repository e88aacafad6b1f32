package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/provider"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/google/uuid"
)

const (
	finalizeTimeout = 10 * time.Second
	cancelledError  = "generation cancelled"
)

// SendMessage appends a user prompt and starts generating the reply. It
// returns once the placeholder is stored; fragments follow on the room.
func (s *ChatService) SendMessage(ctx context.Context, userID, conversationID uuid.UUID, model, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if model == "" {
		model = s.defaultModel
	}

	conv, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return err
	}

	h, err := s.table.Begin(ctx, conversationID)
	if err != nil {
		return err
	}

	err = h.Publish(func() error {
		msg := &models.Message{ConversationID: conversationID, Role: models.RoleUser, Content: text}
		if err := s.convs.AppendMessage(ctx, msg); err != nil {
			return err
		}
		s.hub.Broadcast(conversationID, realtime.NewEvent(realtime.EventUserMessage, conversationID, *msg))
		return nil
	})
	if err != nil {
		s.abandon(h, err)
		return err
	}

	s.titles.MaybeSchedule(ctx, *conv, text)

	err = h.Open(func() (models.Message, error) {
		placeholder := &models.Message{ConversationID: conversationID, Role: models.RoleAssistant, Model: &model}
		if err := s.convs.AppendMessage(ctx, placeholder); err != nil {
			return models.Message{}, err
		}
		s.hub.Broadcast(conversationID, realtime.NewEvent(realtime.EventBeginAssistantMessage, conversationID, *placeholder))
		return *placeholder, nil
	})
	if err != nil {
		s.abandon(h, err)
		return err
	}

	s.start(h, model)
	return nil
}

// RegenerateMessage truncates the conversation after an assistant message
// and generates that message again in place. Targeting a non-assistant
// message does nothing.
func (s *ChatService) RegenerateMessage(ctx context.Context, userID, conversationID uuid.UUID, model string, messageID uuid.UUID) error {
	if model == "" {
		model = s.defaultModel
	}
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return err
	}

	target, err := s.convs.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrTargetMessageNotFound
		}
		return err
	}
	if target.Role != models.RoleAssistant {
		return nil
	}

	h, err := s.table.Begin(ctx, conversationID)
	if err != nil {
		return err
	}

	err = h.Open(func() (models.Message, error) {
		reset, err := s.convs.ResetForRegeneration(ctx, conversationID, messageID, model)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return models.Message{}, ErrTargetMessageNotFound
			}
			return models.Message{}, err
		}
		msgs, err := s.convs.ListMessages(ctx, conversationID)
		if err != nil {
			return models.Message{}, err
		}
		s.hub.Broadcast(conversationID, realtime.NewEvent(realtime.EventConversationHistory, conversationID,
			realtime.HistoryPayload{Messages: without(msgs, reset.ID)}))
		s.hub.Broadcast(conversationID, realtime.NewEvent(realtime.EventBeginAssistantMessage, conversationID, *reset))
		return *reset, nil
	})
	if err != nil {
		s.abandon(h, err)
		return err
	}

	s.start(h, model)
	return nil
}

// abandon ends a generation that failed before the provider was called.
func (s *ChatService) abandon(h *inflight.Handle, cause error) {
	if _, err := s.table.End(h, cause.Error(), nil, nil); err != nil {
		s.log.Error("Failed to release generation", "conversation_id", h.ConversationID(), "error", err)
	}
}

func (s *ChatService) start(h *inflight.Handle, model string) {
	s.metrics.ActiveGenerations.Inc()
	accepted := s.sup.Go("generation", func(context.Context) error {
		defer s.metrics.ActiveGenerations.Dec()
		s.generate(h, model)
		return nil
	})
	if !accepted {
		// Shutting down: the placeholder is already announced, so close it out.
		s.metrics.ActiveGenerations.Dec()
		if _, err := s.finalize(h, cancelledError); err != nil {
			s.log.Error("Failed to persist finalized message", "conversation_id", h.ConversationID(), "error", err)
		}
	}
}

// generate streams the provider reply into the in-flight entry and finalizes
// it exactly once.
func (s *ChatService) generate(h *inflight.Handle, model string) {
	ctx := h.Context()
	convID := h.ConversationID()
	backend := s.gen.BackendOf(model)
	started := time.Now()

	var streamErr error
	history, err := s.convs.ListMessages(ctx, convID)
	if err != nil {
		streamErr = err
	} else {
		first := true
		streamErr = s.gen.Stream(ctx, model, provider.FromModels(history), func(frag string) error {
			if first {
				first = false
				s.metrics.TimeToFirstFragmentSeconds.WithLabelValues(backend).Observe(time.Since(started).Seconds())
			}
			s.metrics.FragmentsTotal.WithLabelValues(backend).Inc()

			ok := s.table.AppendFragment(h, frag, func() {
				s.hub.Broadcast(convID, realtime.NewEvent(realtime.EventNewAssistantPart, convID,
					realtime.PartPayload{Text: frag}))
			})
			if !ok {
				return context.Canceled
			}
			return nil
		})
	}

	errText := ""
	if streamErr != nil {
		errText = describeFailure(ctx, streamErr)
	}

	final, err := s.finalize(h, errText)
	if err != nil {
		s.log.Error("Failed to persist finalized message", "conversation_id", convID, "message_id", final.ID, "error", err)
	}

	outcome := "success"
	switch {
	case h.Aborted():
		outcome = "aborted"
	case errText != "":
		outcome = "error"
		s.log.Warn("Generation failed", "conversation_id", convID, "model", model, "error", errText)
	}
	s.metrics.GenerationsTotal.WithLabelValues(backend, outcome).Inc()
	s.metrics.GenerationDurationSeconds.WithLabelValues(backend, outcome).Observe(time.Since(started).Seconds())
	s.log.Info("Generation finished", "conversation_id", convID, "model", model, "outcome", outcome,
		"chars", len(final.Content), "duration_ms", time.Since(started).Milliseconds())
}

// finalize ends the generation: persist, clear the flag, announce.
func (s *ChatService) finalize(h *inflight.Handle, errText string) (models.Message, error) {
	convID := h.ConversationID()
	return s.table.End(h, errText,
		func(m models.Message) error {
			pctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			defer cancel()
			return s.convs.UpdateMessage(pctx, &m)
		},
		func(m models.Message) {
			s.hub.Broadcast(convID, realtime.NewEvent(realtime.EventEndAssistantMessage, convID,
				realtime.EndPayload{Error: m.Error}))
		})
}

func describeFailure(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "generation timed out"
	case errors.Is(ctx.Err(), context.Canceled):
		return cancelledError
	default:
		return err.Error()
	}
}

func without(msgs []models.Message, id uuid.UUID) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
