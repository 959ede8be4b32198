// Package inbound turns provider events into stored messages: verify,
// parse, resolve the conversation, persist, fetch media, notify operators
// and hand text messages to the AI reply path.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/jobs"
	"github.com/cateringcrm/omnichannel/internal/media"
	"github.com/cateringcrm/omnichannel/internal/message"
	"github.com/cateringcrm/omnichannel/internal/realtime"
)

// ErrUnknownWebhook is returned when no adapter terminates the webhook key.
var ErrUnknownWebhook = errors.New("unknown webhook")

// Conversations resolves the conversation of an event.
type Conversations interface {
	Resolve(ctx context.Context, in conversation.ResolveInput) (conversation.Conversation, error)
	Get(ctx context.Context, id string) (conversation.Conversation, error)
}

// Messages is the persistor surface the pipeline writes through.
type Messages interface {
	InsertInbound(ctx context.Context, in message.InboundInput) (message.Message, error)
	InsertOutbound(ctx context.Context, in message.OutboundInput) (message.Message, error)
	FindEcho(ctx context.Context, conversationID, providerID, content string) (message.Message, bool, error)
	MarkRead(ctx context.Context, platform channel.Platform, providerID string, at time.Time) (message.Message, error)
	MergeMetadata(ctx context.Context, id string, patch map[string]any) (message.Message, error)
	AttachMedia(ctx context.Context, fn func(ctx context.Context, rec media.Recorder) error) error
	Get(ctx context.Context, id string) (message.Message, error)
}

// MediaStore downloads and stores attachment bytes.
type MediaStore interface {
	Save(ctx context.Context, rec media.Recorder, input media.SaveInput) (media.Attachment, error)
	Fetch(ctx context.Context, url string, headers http.Header) (media.Payload, error)
}

// Queue runs deferred work.
type Queue interface {
	Enqueue(key, name string, fn jobs.Func) error
}

// Broadcaster fans events out to operator UIs.
type Broadcaster interface {
	Broadcast(ev realtime.Event) int
}

// HandOff schedules the AI reply for an inbound text message.
type HandOff interface {
	Schedule(ctx context.Context, conv conversation.Conversation, msg message.Message)
}

// Pipeline processes webhook deliveries and listener batches.
type Pipeline struct {
	registry      *channel.Registry
	conversations Conversations
	messages      Messages
	media         MediaStore
	queue         Queue
	bus           Broadcaster
	handOff       HandOff
	logger        *slog.Logger
}

// NewPipeline creates an inbound pipeline.
func NewPipeline(
	log *slog.Logger,
	registry *channel.Registry,
	conversations Conversations,
	messages Messages,
	mediaStore MediaStore,
	queue Queue,
	bus Broadcaster,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		registry:      registry,
		conversations: conversations,
		messages:      messages,
		media:         mediaStore,
		queue:         queue,
		bus:           bus,
		logger:        log.With(slog.String("component", "inbound")),
	}
}

// SetHandOff configures the AI reply path. Without it no AI task is scheduled.
func (p *Pipeline) SetHandOff(handOff HandOff) {
	p.handOff = handOff
}

// HandleWebhook verifies and processes one webhook delivery for the adapter
// registered under key. Signature failures come back as SignatureInvalid;
// malformed payloads are logged and dropped.
func (p *Pipeline) HandleWebhook(ctx context.Context, key string, req channel.WebhookRequest) error {
	adapter, ok := p.registry.Webhook(key)
	if !ok {
		return ErrUnknownWebhook
	}
	if verifier, ok := adapter.(channel.WebhookVerifier); ok {
		if err := verifier.VerifyWebhook(ctx, req); err != nil {
			p.logger.Warn("webhook verification failed",
				slog.String("adapter", adapter.Name()),
				slog.Any("error", err),
			)
			return err
		}
	}
	receiver, ok := adapter.(channel.Receiver)
	if !ok {
		return ErrUnknownWebhook
	}
	events, err := receiver.Receive(ctx, req.Body)
	if err != nil {
		if channel.KindOf(err) == channel.KindMalformedEvent {
			p.logger.Warn("dropping malformed webhook",
				slog.String("adapter", adapter.Name()),
				slog.Any("error", err),
			)
			return nil
		}
		return err
	}
	return p.Process(ctx, adapter, events)
}

// Process stores a batch of events from adapter. It is also the sink of
// every listener. Per-event failures are logged; storage failures are
// returned so webhook providers redeliver.
func (p *Pipeline) Process(ctx context.Context, adapter channel.Adapter, events []channel.InboundEvent) error {
	var errs []error
	for i := range events {
		if err := p.processEvent(ctx, adapter, events[i]); err != nil {
			p.logger.Error("inbound event failed",
				slog.String("adapter", adapter.Name()),
				slog.String("provider_message_id", events[i].ProviderMessageID),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) processEvent(ctx context.Context, adapter channel.Adapter, ev channel.InboundEvent) error {
	if ev.Platform == "" {
		ev.Platform = adapter.Platform()
	}
	if ev.Kind == channel.EventStatus {
		return p.applyReceipt(ctx, ev)
	}
	if resolver, ok := adapter.(channel.IdentityResolver); ok {
		if err := resolver.ResolveIdentity(ctx, &ev); err != nil {
			p.logger.Warn("identity resolution failed",
				slog.String("adapter", adapter.Name()),
				slog.Any("error", err),
			)
		}
	}
	if strings.TrimSpace(ev.ExternalID) == "" {
		p.logger.Warn("dropping event without counterparty",
			slog.String("adapter", adapter.Name()),
			slog.String("kind", string(channel.KindMalformedEvent)),
		)
		return nil
	}

	conv, err := p.conversations.Resolve(ctx, conversation.ResolveInput{
		Platform:   ev.Platform,
		ExternalID: ev.ExternalID,
		Subject:    ev.Subject,
		Aliases:    ev.Aliases,
	})
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	metadata := eventMetadata(adapter, ev)
	var msg message.Message
	if ev.IsEcho {
		existing, found, err := p.messages.FindEcho(ctx, conv.ID, ev.ProviderMessageID, ev.Content)
		if err != nil {
			return fmt.Errorf("match echo: %w", err)
		}
		if found {
			p.logger.Debug("echo of crm message ignored",
				slog.String("message_id", existing.ID),
				slog.String("conversation_id", conv.ID),
			)
			return nil
		}
		metadata[message.MetaFromExternalDevice] = true
		msg, err = p.messages.InsertOutbound(ctx, message.OutboundInput{
			ConversationID:    conv.ID,
			Platform:          ev.Platform,
			Content:           ev.Content,
			Type:              ev.Type,
			Metadata:          metadata,
			Status:            message.StatusSent,
			ProviderMessageID: ev.ProviderMessageID,
			SentAt:            ev.ReceivedAt,
		})
		if err != nil {
			return fmt.Errorf("store echo: %w", err)
		}
	} else {
		msg, err = p.messages.InsertInbound(ctx, message.InboundInput{
			ConversationID:    conv.ID,
			Platform:          ev.Platform,
			Content:           ev.Content,
			Type:              ev.Type,
			ProviderMessageID: ev.ProviderMessageID,
			Metadata:          metadata,
			ReceivedAt:        ev.ReceivedAt,
		})
		if channel.KindOf(err) == channel.KindDuplicate {
			p.logger.Debug("duplicate inbound skipped",
				slog.String("conversation_id", conv.ID),
				slog.String("provider_message_id", ev.ProviderMessageID),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("store inbound: %w", err)
		}
	}

	var remote []channel.PendingAttachment
	for _, att := range ev.Attachments {
		if len(att.Data) == 0 {
			remote = append(remote, att)
			continue
		}
		saved, err := p.saveAttachment(ctx, msg.ID, att, att.Data, att.Mime)
		if err != nil {
			p.logger.Warn("inline attachment not stored",
				slog.String("message_id", msg.ID),
				slog.String("name", att.Name),
				slog.Any("error", err),
			)
			continue
		}
		msg.Attachments = append(msg.Attachments, saved)
	}

	p.broadcast(realtime.NewMessage(conv, msg))

	if len(remote) > 0 {
		p.scheduleDownloads(adapter.Name(), conv, msg, remote)
	}
	if p.handOff != nil && msg.Direction == message.DirectionInbound &&
		msg.Type == channel.MessageTypeText && strings.TrimSpace(msg.Content) != "" {
		p.handOff.Schedule(ctx, conv, msg)
	}
	return nil
}

// applyReceipt advances an outbound message to read. Receipts for unknown
// messages or out-of-order states are ignored.
func (p *Pipeline) applyReceipt(ctx context.Context, ev channel.InboundEvent) error {
	if !strings.EqualFold(ev.Status, string(message.StatusRead)) || ev.ProviderMessageID == "" {
		return nil
	}
	msg, err := p.messages.MarkRead(ctx, ev.Platform, ev.ProviderMessageID, ev.ReceivedAt)
	switch {
	case errors.Is(err, message.ErrNotFound), errors.Is(err, message.ErrInvalidTransition):
		p.logger.Debug("read receipt ignored",
			slog.String("provider_message_id", ev.ProviderMessageID),
			slog.Any("reason", err),
		)
		return nil
	case err != nil:
		return fmt.Errorf("apply read receipt: %w", err)
	}
	conv, err := p.conversations.Get(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	p.broadcast(realtime.MessageUpdated(conv, msg))
	return nil
}

// scheduleDownloads fetches remote attachments in the background. Downloads
// happen outside any transaction; each file is recorded in its own short one.
func (p *Pipeline) scheduleDownloads(adapterName string, conv conversation.Conversation, msg message.Message, pending []channel.PendingAttachment) {
	if p.queue == nil {
		return
	}
	err := p.queue.Enqueue("media:"+conv.ID, "media_download", func(ctx context.Context) error {
		fetcher, ok := p.registry.MediaFetcher(adapterName)
		if !ok {
			return p.markMediaFailed(ctx, conv, msg.ID, fmt.Errorf("adapter %s cannot fetch media", adapterName))
		}
		var failures []string
		for _, att := range pending {
			if err := p.download(ctx, fetcher, msg.ID, att); err != nil {
				p.logger.Warn("media download failed",
					slog.String("message_id", msg.ID),
					slog.String("ref", att.Ref),
					slog.Any("error", err),
				)
				failures = append(failures, err.Error())
			}
		}
		if len(failures) > 0 {
			return p.markMediaFailed(ctx, conv, msg.ID, errors.New(strings.Join(failures, "; ")))
		}
		updated, err := p.messages.Get(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("reload message: %w", err)
		}
		p.broadcast(realtime.MessageUpdated(conv, updated))
		return nil
	})
	if err != nil {
		p.logger.Warn("media download not scheduled", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
}

func (p *Pipeline) download(ctx context.Context, fetcher channel.MediaFetcher, messageID string, att channel.PendingAttachment) error {
	url, headers, err := fetcher.MediaRequest(ctx, att)
	if err != nil {
		return channel.NewError(channel.KindMediaDownloadFailed, "media.request", err)
	}
	payload, err := p.media.Fetch(ctx, url, headers)
	if err != nil {
		return err
	}
	mime := att.Mime
	if mime == "" {
		mime = payload.Mime
	}
	_, err = p.saveAttachment(ctx, messageID, att, payload.Data, mime)
	return err
}

func (p *Pipeline) saveAttachment(ctx context.Context, messageID string, att channel.PendingAttachment, data []byte, mime string) (media.Attachment, error) {
	var saved media.Attachment
	err := p.messages.AttachMedia(ctx, func(ctx context.Context, rec media.Recorder) error {
		var err error
		saved, err = p.media.Save(ctx, rec, media.SaveInput{
			MessageID:    messageID,
			Data:         data,
			Mime:         mime,
			OriginalName: att.Name,
			FileType:     att.FileType,
		})
		return err
	})
	return saved, err
}

// markMediaFailed keeps the message and flags it so the operator sees the
// missing file. The broadcast carries the attachments that did arrive.
func (p *Pipeline) markMediaFailed(ctx context.Context, conv conversation.Conversation, messageID string, cause error) error {
	if _, err := p.messages.MergeMetadata(ctx, messageID, map[string]any{
		message.MetaMediaFailed: true,
		message.MetaError:       cause.Error(),
		message.MetaErrorKind:   string(channel.KindMediaDownloadFailed),
	}); err != nil {
		return fmt.Errorf("flag media failure: %w", err)
	}
	updated, err := p.messages.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("reload message: %w", err)
	}
	p.broadcast(realtime.MessageUpdated(conv, updated))
	return nil
}

func (p *Pipeline) broadcast(ev realtime.Event) {
	if p.bus == nil {
		return
	}
	p.bus.Broadcast(ev)
}

func eventMetadata(adapter channel.Adapter, ev channel.InboundEvent) map[string]any {
	metadata := make(map[string]any, len(ev.Metadata)+4)
	for k, v := range ev.Metadata {
		metadata[k] = v
	}
	metadata["adapter"] = adapter.Name()
	if ev.Sender.ID != "" {
		metadata["sender_id"] = ev.Sender.ID
	}
	if ev.Sender.Username != "" {
		metadata["sender_username"] = ev.Sender.Username
	}
	if ev.Sender.DisplayName != "" {
		metadata["sender_name"] = ev.Sender.DisplayName
	}
	return metadata
}
