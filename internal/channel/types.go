package channel

import (
	"strings"
	"time"
)

// Platform is the conversation-level platform tag.
type Platform string

const (
	PlatformTelegram  Platform = "telegram"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformEmail     Platform = "email"
)

// Platforms lists every supported platform tag.
var Platforms = []Platform{
	PlatformTelegram,
	PlatformWhatsApp,
	PlatformInstagram,
	PlatformFacebook,
	PlatformEmail,
}

// String returns the platform as a plain string.
func (p Platform) String() string {
	return string(p)
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	for _, item := range Platforms {
		if item == p {
			return true
		}
	}
	return false
}

// ParsePlatform normalizes a raw platform name.
func ParsePlatform(raw string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	return p, p.Valid()
}

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeHTML MessageType = "html"
	MessageTypeFile MessageType = "file"
)

// EventKind distinguishes new messages from delivery receipts.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventStatus  EventKind = "status"
)

// Identity describes the counterparty that sent an inbound event.
type Identity struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// PendingAttachment is a media reference that still has to be downloaded.
// Ref is adapter specific: a URL, a Telegram file_id, a Graph media id or
// an mxc:// URI. Data is set when the payload already arrived inline (email).
type PendingAttachment struct {
	Ref      string
	Mime     string
	Name     string
	FileType string
	Size     int64
	Data     []byte
}

// InboundEvent is the normalized output of an adapter's parse step.
type InboundEvent struct {
	Kind              EventKind
	Platform          Platform
	ExternalID        string
	Subject           string
	Content           string
	Type              MessageType
	Sender            Identity
	Attachments       []PendingAttachment
	ProviderMessageID string
	// IsEcho marks messages the business account itself sent through the provider.
	IsEcho bool
	// Aliases lists alternative external ids that may already own a conversation.
	Aliases    []Alias
	Metadata   map[string]any
	ReceivedAt time.Time
	// Status carries the receipt state when Kind is EventStatus.
	Status string
}

// Alias is a metadata key/value pair used to find a conversation under a
// previous external id.
type Alias struct {
	Key   string
	Value string
}

// Conversation is the snapshot of a conversation an adapter needs to send.
type Conversation struct {
	ID               string
	Platform         Platform
	ExternalID       string
	Subject          string
	AssignedOperator string
	// LastInboundAt is zero when the counterparty never wrote.
	LastInboundAt time.Time
}

// OutboundAttachment is a stored file ready to be uploaded to a provider.
type OutboundAttachment struct {
	Path     string
	Mime     string
	Name     string
	FileType string
	Size     int64
}

// OutboundRequest is what the dispatcher hands to a Sender.
type OutboundRequest struct {
	MessageID    string
	Conversation Conversation
	Content      string
	Attachments  []OutboundAttachment
	Metadata     map[string]any
}

// SendResult is returned by a successful send.
type SendResult struct {
	ProviderMessageID string
	Metadata          map[string]any
}

// WebhookRequest carries everything a verifier may need from the HTTP request.
type WebhookRequest struct {
	Body      []byte
	Signature string
	Headers   map[string]string
}

// Header returns a header by case-insensitive name.
func (r WebhookRequest) Header(name string) string {
	for key, value := range r.Headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

// FileTypeFromMime maps a MIME type onto the attachment file_type enum.
func FileTypeFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case mime == "application/pdf",
		strings.HasPrefix(mime, "text/"),
		strings.Contains(mime, "msword"),
		strings.Contains(mime, "officedocument"),
		strings.Contains(mime, "ms-excel"),
		strings.Contains(mime, "ms-powerpoint"),
		strings.Contains(mime, "opendocument"),
		strings.Contains(mime, "csv"),
		mime == "application/rtf":
		return "document"
	default:
		return "file"
	}
}
