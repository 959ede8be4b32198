package message

import (
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/media"
)

// Direction tells who produced a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Metadata keys written by the persistor.
const (
	MetaProviderMessageID  = "provider_message_id"
	MetaSentFromCRM        = "sent_from_crm"
	MetaFromExternalDevice = "from_external_device"
	MetaError              = "error"
	MetaErrorKind          = "error_kind"
	MetaAttempts           = "attempts"
	MetaMediaFailed        = "media_download_failed"
)

// Message is one delivered or pending message.
type Message struct {
	ID                string              `json:"id"`
	ConversationID    string              `json:"conversation_id"`
	Platform          channel.Platform    `json:"platform"`
	Direction         Direction           `json:"direction"`
	Type              channel.MessageType `json:"type"`
	Content           string              `json:"content"`
	Status            Status              `json:"status"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	SentFromCRM       bool                `json:"sent_from_crm"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
	Attachments       []media.Attachment  `json:"attachments"`
	SentAt            *time.Time          `json:"sent_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// InboundInput is a message received from a provider.
type InboundInput struct {
	ConversationID    string
	Platform          channel.Platform
	Content           string
	Type              channel.MessageType
	ProviderMessageID string
	Metadata          map[string]any
	ReceivedAt        time.Time
}

// OutboundInput is a message produced by an operator, the AI reply path or
// an external device (echo).
type OutboundInput struct {
	ConversationID    string
	Platform          channel.Platform
	Content           string
	Type              channel.MessageType
	Metadata          map[string]any
	SentFromCRM       bool
	// Status defaults to queued.
	Status            Status
	ProviderMessageID string
	SentAt            time.Time
}

// StatusUpdate carries the optional fields recorded with a status change.
type StatusUpdate struct {
	SentAt            time.Time
	ProviderMessageID string
	Metadata          map[string]any
}
