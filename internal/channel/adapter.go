package channel

import (
	"context"
	"net/http"
)

// Adapter is the base interface every platform adapter implements. All
// behavior is expressed through the optional capability interfaces below.
type Adapter interface {
	// Name identifies the adapter ("whatsapp_meta", "whatsapp_matrix", ...).
	Name() string
	Platform() Platform
}

// WebhookVerifier checks the authenticity of a webhook delivery.
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, req WebhookRequest) error
}

// HandshakeVerifier answers the provider's subscription handshake.
type HandshakeVerifier interface {
	VerifyHandshake(ctx context.Context, mode, token, challenge string) (string, error)
}

// Receiver parses one raw provider payload into zero or more events.
type Receiver interface {
	Receive(ctx context.Context, raw []byte) ([]InboundEvent, error)
}

// IdentityResolver completes the external id and sender info of an event,
// possibly calling the provider.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, event *InboundEvent) error
}

// Sender delivers an outbound message.
type Sender interface {
	Send(ctx context.Context, req OutboundRequest) (SendResult, error)
}

// MediaFetcher turns a pending attachment reference into a download URL and
// the auth headers required to fetch it.
type MediaFetcher interface {
	MediaRequest(ctx context.Context, att PendingAttachment) (string, http.Header, error)
}

// EventSink consumes events produced by a listener.
type EventSink func(ctx context.Context, adapter Adapter, events []InboundEvent) error

// Listener is a long-lived polling loop (IMAP, Matrix /sync, Telegram getUpdates).
// Listen blocks until ctx is done or an unrecoverable error occurs.
type Listener interface {
	Listen(ctx context.Context, sink EventSink) error
}

// MetadataLookup returns the newest value of a metadata key among a
// conversation's messages, or "" when no message carries it.
type MetadataLookup interface {
	LookupMetadata(ctx context.Context, conversationID, key string) (string, error)
}
