package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_message_conversation_index" json:"conversation_id"`
	Index          int       `gorm:"column:msg_index;not null;uniqueIndex:idx_message_conversation_index" json:"index"`
	Role           Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text" json:"content"`
	Model          *string   `json:"model,omitempty"`        // assistant only
	Error          *string   `gorm:"type:text" json:"error"` // assistant only
	CreatedAt      time.Time `json:"created_at"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// ErrorText returns the terminal error or the empty string.
func (m *Message) ErrorText() string {
	if m.Error == nil {
		return ""
	}
	return *m.Error
}
