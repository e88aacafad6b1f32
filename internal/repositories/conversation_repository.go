package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/ahmetk3436/relay/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationRepository is the durable store for conversations and their
// ordered messages. Every mutation is a single statement or transaction.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) error
	ClaimTitle(ctx context.Context, id uuid.UUID) (bool, error)

	AppendMessage(ctx context.Context, msg *models.Message) error
	UpdateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
	ResetForRegeneration(ctx context.Context, conversationID, messageID uuid.UUID, model string) (*models.Message, error)
	Fork(ctx context.Context, sourceID uuid.UUID, uptoIndex int, fork *models.Conversation) error

	MarkGenerating(ctx context.Context, id uuid.UUID) (bool, error)
	ClearGenerating(ctx context.Context, id uuid.UUID) error
	ListStaleGenerating(ctx context.Context, before time.Time) ([]uuid.UUID, error)
}

type conversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *conversationRepository) Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&convs).Error
	return convs, err
}

func (r *conversationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *conversationRepository) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTitle flips title_requested exactly once. Only the caller that gets
// true may derive a title.
func (r *conversationRepository) ClaimTitle(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND title_requested = ?", id, false).
		Update("title_requested", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AppendMessage assigns the next index from the conversation counter and
// inserts the message in the same transaction.
func (r *conversationRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]interface{}{
				"next_index": gorm.Expr("next_index + 1"),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var next []int
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Pluck("next_index", &next).Error; err != nil {
			return err
		}
		if len(next) == 0 {
			return ErrNotFound
		}

		msg.Index = next[0] - 1
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		return tx.Create(msg).Error
	})
}

func (r *conversationRepository) UpdateMessage(ctx context.Context, msg *models.Message) error {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"content": msg.Content,
			"error":   msg.Error,
			"model":   msg.Model,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *conversationRepository) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *conversationRepository) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("msg_index ASC").
		Find(&msgs).Error
	return msgs, err
}

// ResetForRegeneration deletes every message after the target and clears the
// target so it can be reused as the next placeholder. Both happen in one
// transaction.
func (r *conversationRepository) ResetForRegeneration(ctx context.Context, conversationID, messageID uuid.UUID, model string) (*models.Message, error) {
	var target models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).
			First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if err := tx.Where("conversation_id = ? AND msg_index > ?", conversationID, target.Index).
			Delete(&models.Message{}).Error; err != nil {
			return err
		}

		now := time.Now()
		if err := tx.Model(&models.Message{}).
			Where("id = ?", target.ID).
			Updates(map[string]interface{}{
				"content":    "",
				"error":      nil,
				"model":      model,
				"created_at": now,
			}).Error; err != nil {
			return err
		}

		target.Content = ""
		target.Error = nil
		target.Model = &model
		target.CreatedAt = now
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// Fork copies messages [0, uptoIndex] of the source into fork, which is
// created in the same transaction. Copies get new ids; every other field is
// preserved.
func (r *conversationRepository) Fork(ctx context.Context, sourceID uuid.UUID, uptoIndex int, fork *models.Conversation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msgs []models.Message
		if err := tx.Where("conversation_id = ? AND msg_index <= ?", sourceID, uptoIndex).
			Order("msg_index ASC").
			Find(&msgs).Error; err != nil {
			return err
		}

		found := false
		for _, m := range msgs {
			if m.Index == uptoIndex {
				found = true
				break
			}
		}
		if !found {
			return ErrNotFound
		}

		fork.NextIndex = uptoIndex + 1
		fork.TitleRequested = true
		if err := tx.Create(fork).Error; err != nil {
			return err
		}

		copies := make([]models.Message, len(msgs))
		for i, m := range msgs {
			m.ID = uuid.Nil
			m.ConversationID = fork.ID
			copies[i] = m
		}
		return tx.Create(&copies).Error
	})
}

// MarkGenerating sets the generating flag only if it is currently clear.
// It reports false when another generation already holds the flag.
func (r *conversationRepository) MarkGenerating(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND generating = ?", id, false).
		Updates(map[string]interface{}{
			"generating":       true,
			"generating_since": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *conversationRepository) ClearGenerating(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"generating":       false,
			"generating_since": nil,
		}).Error
}

func (r *conversationRepository) ListStaleGenerating(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("generating = ? AND (generating_since IS NULL OR generating_since < ?)", true, before).
		Pluck("id", &ids).Error
	return ids, err
}
