package realtime

import (
	"time"

	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/media"
	"github.com/cateringcrm/omnichannel/internal/message"
)

// EventType names a frame pushed to operator UIs.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventNewMessage            EventType = "new_message"
	EventMessageUpdated        EventType = "message_updated"
)

// Event is one JSON frame.
type Event struct {
	Type           EventType            `json:"type"`
	UserID         string               `json:"user_id,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Platform       string               `json:"platform,omitempty"`
	Message        *MessagePayload      `json:"message,omitempty"`
	Conversation   *ConversationPayload `json:"conversation,omitempty"`
}

// MessagePayload is the message shape carried by new_message and
// message_updated frames.
type MessagePayload struct {
	ID          string             `json:"id"`
	Direction   string             `json:"direction"`
	Type        string             `json:"type"`
	Content     string             `json:"content"`
	Status      string             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	Attachments []media.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// ConversationPayload identifies the conversation of a message frame.
type ConversationPayload struct {
	ID         string `json:"id"`
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
	ClientName string `json:"client_name,omitempty"`
}

// NewMessage builds the frame announcing a stored message.
func NewMessage(conv conversation.Conversation, msg message.Message) Event {
	return messageEvent(EventNewMessage, conv, msg)
}

// MessageUpdated builds the frame announcing a status or attachment change.
func MessageUpdated(conv conversation.Conversation, msg message.Message) Event {
	return messageEvent(EventMessageUpdated, conv, msg)
}

func messageEvent(kind EventType, conv conversation.Conversation, msg message.Message) Event {
	return Event{
		Type:           kind,
		ConversationID: conv.ID,
		Platform:       string(conv.Platform),
		Message: &MessagePayload{
			ID:          msg.ID,
			Direction:   string(msg.Direction),
			Type:        string(msg.Type),
			Content:     msg.Content,
			Status:      string(msg.Status),
			CreatedAt:   msg.CreatedAt,
			Attachments: msg.Attachments,
			Metadata:    msg.Metadata,
		},
		Conversation: &ConversationPayload{
			ID:         conv.ID,
			Platform:   string(conv.Platform),
			ExternalID: conv.ExternalID,
			ClientName: conv.Subject,
		},
	}
}
