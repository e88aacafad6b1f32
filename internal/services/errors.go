package services

import (
	"errors"

	"github.com/ahmetk3436/relay/internal/inflight"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrNotOwner              = errors.New("conversation belongs to another user")
	ErrAlreadyGenerating     = inflight.ErrAlreadyGenerating
	ErrTargetMessageNotFound = errors.New("target message not found")
	ErrNoConversation        = errors.New("no conversation selected")
	ErrEmptyMessage          = errors.New("message is empty")
	ErrInvalidCredentials    = errors.New("invalid credentials")
)

// ErrorCode maps service errors to the codes sent in websocket Error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		return "conversation_not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrAlreadyGenerating):
		return "already_generating"
	case errors.Is(err, ErrTargetMessageNotFound):
		return "target_message_not_found"
	case errors.Is(err, ErrNoConversation):
		return "no_conversation"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	default:
		return "internal"
	}
}
