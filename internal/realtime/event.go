package realtime

import "github.com/google/uuid"

type EventName string

const (
	EventConversationHistory   EventName = "ConversationHistory"
	EventUserMessage           EventName = "UserMessage"
	EventBeginAssistantMessage EventName = "BeginAssistantMessage"
	EventNewAssistantPart      EventName = "NewAssistantPart"
	EventEndAssistantMessage   EventName = "EndAssistantMessage"
	EventChatTitle             EventName = "ChatTitle"
	EventNewConversation       EventName = "NewConversation"
	EventDeleteConversation    EventName = "DeleteConversation"
	EventError                 EventName = "Error"
)

// Event is the outbound websocket envelope.
type Event struct {
	Event          EventName  `json:"event"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Data           any        `json:"data"`
}

func NewEvent(name EventName, conversationID uuid.UUID, data any) Event {
	id := conversationID
	return Event{Event: name, ConversationID: &id, Data: data}
}

func ErrorEvent(code, message string) Event {
	return Event{Event: EventError, Data: ErrorPayload{Code: code, Message: message}}
}

type HistoryPayload struct {
	Messages any `json:"messages"`
}

type PartPayload struct {
	Text string `json:"text"`
}

type EndPayload struct {
	Error *string `json:"error"`
}

type TitlePayload struct {
	Title string `json:"title"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is what travels between instances on the bus.
type Envelope struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Event  Event  `json:"event"`
}

func ConversationRoom(id uuid.UUID) string { return "conversation:" + id.String() }

func UserRoom(id uuid.UUID) string { return "user:" + id.String() }
