package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultConversationTitle = "New Chat"

type Conversation struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	Title           string     `gorm:"not null" json:"title"`
	Generating      bool       `gorm:"not null;default:false;index" json:"generating"`
	GeneratingSince *time.Time `json:"generating_since,omitempty"`
	NextIndex       int        `gorm:"not null;default:0" json:"-"`
	TitleRequested  bool       `gorm:"not null;default:false" json:"-"`
	Messages        []Message  `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Title == "" {
		c.Title = DefaultConversationTitle
	}
	return nil
}

// ConversationSummary is the sidebar listing shape.
type ConversationSummary struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	Generating bool      `json:"generating"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:         c.ID,
		Title:      c.Title,
		Generating: c.Generating,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}
