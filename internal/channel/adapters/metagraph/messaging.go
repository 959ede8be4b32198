package metagraph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

// MessagingPayload is the webhook body used by Messenger and Instagram:
// entry[].messaging[].
type MessagingPayload struct {
	Object string           `json:"object"`
	Entry  []MessagingEntry `json:"entry"`
}

type MessagingEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

type MessagingEvent struct {
	Sender    Participant       `json:"sender"`
	Recipient Participant       `json:"recipient"`
	Timestamp int64             `json:"timestamp"`
	Message   *MessagingMessage `json:"message,omitempty"`
	Read      *ReadReceipt      `json:"read,omitempty"`
}

type Participant struct {
	ID string `json:"id"`
}

type MessagingMessage struct {
	MID         string                `json:"mid"`
	Text        string                `json:"text"`
	IsEcho      bool                  `json:"is_echo"`
	IsDeleted   bool                  `json:"is_deleted"`
	Attachments []MessagingAttachment `json:"attachments"`
}

type MessagingAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// ReadReceipt carries either a message id (Instagram) or a watermark (Messenger).
type ReadReceipt struct {
	MID       string `json:"mid"`
	Watermark int64  `json:"watermark"`
}

// ParseMessaging decodes a Messenger/Instagram webhook body.
func ParseMessaging(raw []byte) (MessagingPayload, error) {
	var payload MessagingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, channel.NewError(channel.KindMalformedEvent, "metagraph.parse", err)
	}
	return payload, nil
}

// Counterparty returns the customer side of a messaging event. Echoes are
// sent by the page, so the customer is the recipient.
func (e MessagingEvent) Counterparty() string {
	if e.Message != nil && e.Message.IsEcho {
		return e.Recipient.ID
	}
	return e.Sender.ID
}

// Time converts the millisecond timestamp.
func (e MessagingEvent) Time() time.Time {
	if e.Timestamp <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(e.Timestamp).UTC()
}

// MessageEvent builds the normalized event for a messaging entry. The
// caller fills in ExternalID, Aliases and Sender.
func MessageEvent(platform channel.Platform, entry MessagingEntry, ev MessagingEvent) channel.InboundEvent {
	msg := ev.Message
	content := strings.TrimSpace(msg.Text)
	attachments := make([]channel.PendingAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if strings.TrimSpace(att.Payload.URL) == "" {
			continue
		}
		attachments = append(attachments, channel.PendingAttachment{
			Ref:      att.Payload.URL,
			FileType: attachmentFileType(att.Type),
		})
	}
	msgType := channel.MessageTypeText
	if content == "" && len(attachments) > 0 {
		msgType = channel.MessageTypeFile
	}
	if content == "" && len(attachments) == 0 && len(msg.Attachments) > 0 {
		content = fmt.Sprintf("[%s]", msg.Attachments[0].Type)
	}
	return channel.InboundEvent{
		Kind:              channel.EventMessage,
		Platform:          platform,
		Content:           content,
		Type:              msgType,
		Attachments:       attachments,
		ProviderMessageID: msg.MID,
		IsEcho:            msg.IsEcho,
		ReceivedAt:        ev.Time(),
		Metadata: map[string]any{
			"provider_message_id": msg.MID,
			"page_id":             entry.ID,
			"sender_id":           ev.Sender.ID,
			"recipient_id":        ev.Recipient.ID,
			"timestamp":           strconv.FormatInt(ev.Timestamp, 10),
		},
	}
}

func attachmentFileType(kind string) string {
	switch kind {
	case "image", "video", "audio":
		return kind
	case "file":
		return "document"
	default:
		return ""
	}
}
