package services

import (
	"context"

	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/google/uuid"
)

// ChooseChat moves the client into a conversation room and sends it the
// history plus a catch-up of any message still being generated.
//
// Everything happens under the conversation guard: no fragment can be
// appended between the room join and the catch-up, so the client sees each
// fragment exactly once.
//
// A nil conversation id leaves the current room without joining another.
func (s *ChatService) ChooseChat(ctx context.Context, client *realtime.Client, conversationID uuid.UUID) error {
	if conversationID == uuid.Nil {
		s.hub.Leave(client)
		return nil
	}
	if _, err := s.owned(ctx, client.UserID, conversationID); err != nil {
		return err
	}

	return s.table.JoinSnapshot(conversationID, func(snap *inflight.Snapshot) error {
		s.hub.Join(client, conversationID)

		msgs, err := s.convs.ListMessages(ctx, conversationID)
		if err != nil {
			return err
		}

		switch {
		case snap == nil:
			s.sendHistory(client, conversationID, msgs)

		case snap.Done:
			s.sendHistory(client, conversationID, substitute(msgs, snap.Message))

		default:
			s.sendHistory(client, conversationID, without(msgs, snap.Message.ID))
			s.hub.Send(client, realtime.NewEvent(realtime.EventBeginAssistantMessage, conversationID, snap.Message))
			if snap.Text != "" {
				s.hub.Send(client, realtime.NewEvent(realtime.EventNewAssistantPart, conversationID,
					realtime.PartPayload{Text: snap.Text}))
			}
		}
		return nil
	})
}

func (s *ChatService) sendHistory(client *realtime.Client, conversationID uuid.UUID, msgs []models.Message) {
	s.hub.Send(client, realtime.NewEvent(realtime.EventConversationHistory, conversationID,
		realtime.HistoryPayload{Messages: msgs}))
}

func substitute(msgs []models.Message, final models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		if m.ID == final.ID {
			m = final
		}
		out[i] = m
	}
	return out
}
