package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ahmetk3436/relay/internal/inflight"
	"github.com/ahmetk3436/relay/internal/models"
	"github.com/ahmetk3436/relay/internal/observability"
	"github.com/ahmetk3436/relay/internal/provider"
	"github.com/ahmetk3436/relay/internal/realtime"
	"github.com/ahmetk3436/relay/internal/repositories"
	"github.com/google/uuid"
)

// Generator is the part of the provider gateway the services use.
type Generator interface {
	Stream(ctx context.Context, model string, history []provider.Message, onFragment func(string) error) error
	RequestTitle(ctx context.Context, seed string) (string, error)
	BackendOf(model string) string
}

// ChatService coordinates conversations: generation, regeneration, fork,
// delete and mid-stream joins.
type ChatService struct {
	convs        repositories.ConversationRepository
	table        *inflight.Table
	hub          *realtime.Hub
	gen          Generator
	titles       *TitleService
	sup          *Supervisor
	metrics      *observability.StreamingMetrics
	defaultModel string
	log          *slog.Logger
}

func NewChatService(
	convs repositories.ConversationRepository,
	table *inflight.Table,
	hub *realtime.Hub,
	gen Generator,
	titles *TitleService,
	sup *Supervisor,
	metrics *observability.StreamingMetrics,
	defaultModel string,
) *ChatService {
	return &ChatService{
		convs:        convs,
		table:        table,
		hub:          hub,
		gen:          gen,
		titles:       titles,
		sup:          sup,
		metrics:      metrics,
		defaultModel: defaultModel,
		log:          slog.With("component", "ChatService"),
	}
}

// owned loads a conversation and checks it belongs to userID.
func (s *ChatService) owned(ctx context.Context, userID, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotOwner
	}
	return conv, nil
}

func (s *ChatService) CreateConversation(ctx context.Context, userID uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{UserID: userID}
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, err
	}
	s.hub.BroadcastToUser(userID, realtime.NewEvent(realtime.EventNewConversation, conv.ID, conv.Summary()))
	return conv, nil
}

func (s *ChatService) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.ConversationSummary, error) {
	convs, err := s.convs.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationSummary, len(convs))
	for i := range convs {
		out[i] = convs[i].Summary()
	}
	return out, nil
}

func (s *ChatService) GetConversation(ctx context.Context, userID, conversationID uuid.UUID) (*models.Conversation, []models.Message, error) {
	conv, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.convs.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// Fork copies messages up to and including messageIndex into a new
// conversation with a branch title. The source is left untouched.
func (s *ChatService) Fork(ctx context.Context, userID, conversationID uuid.UUID, messageIndex int) (*models.Conversation, error) {
	src, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	fork := &models.Conversation{UserID: userID, Title: BranchTitle(src.Title)}
	if err := s.convs.Fork(ctx, src.ID, messageIndex, fork); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrTargetMessageNotFound
		}
		return nil, err
	}

	s.log.Info("Conversation forked", "source", src.ID, "fork", fork.ID, "index", messageIndex)
	s.hub.BroadcastToUser(userID, realtime.NewEvent(realtime.EventNewConversation, fork.ID, fork.Summary()))
	return fork, nil
}

// DeleteConversation deletes the conversation with its messages, aborts any
// generation in progress and empties its room. No fragment or end event for
// it is delivered afterwards. When the delete fails the generation keeps
// running and finalizes normally.
func (s *ChatService) DeleteConversation(ctx context.Context, userID, conversationID uuid.UUID) error {
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return err
	}

	if err := s.convs.Delete(ctx, conversationID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	if s.table.Abort(conversationID) {
		s.log.Info("Aborted generation of deleted conversation", "conversation_id", conversationID)
	}

	s.hub.CloseRoom(conversationID)
	s.hub.BroadcastToUser(userID, realtime.NewEvent(realtime.EventDeleteConversation, conversationID, struct{}{}))
	return nil
}
