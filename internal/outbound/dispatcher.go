// Package outbound delivers operator and AI messages through the platform
// adapters with bounded retries.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/config"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/jobs"
	"github.com/cateringcrm/omnichannel/internal/message"
	"github.com/cateringcrm/omnichannel/internal/realtime"
)

const (
	sendTimeout   = 60 * time.Second
	recoveryBatch = 500
	jobName       = "outbound_send"
)

// Per-platform send rates. Meta adapters also limit inside their Graph client.
var platformRates = map[channel.Platform]rate.Limit{
	channel.PlatformTelegram:  25,
	channel.PlatformWhatsApp:  20,
	channel.PlatformInstagram: 20,
	channel.PlatformFacebook:  20,
	channel.PlatformEmail:     2,
}

// Messages is the persistor surface the dispatcher needs.
type Messages interface {
	Get(ctx context.Context, id string) (message.Message, error)
	UpdateStatus(ctx context.Context, id string, to message.Status, update message.StatusUpdate) (message.Message, error)
	LastInboundAt(ctx context.Context, conversationID string) (time.Time, error)
	Queued(ctx context.Context, limit int) ([]message.Message, error)
	MergeMetadata(ctx context.Context, id string, patch map[string]any) (message.Message, error)
}

// ConversationReader loads the conversation a message belongs to.
type ConversationReader interface {
	Get(ctx context.Context, id string) (conversation.Conversation, error)
}

// FileLocator maps a stored attachment path to a local file.
type FileLocator interface {
	LocalPath(filePath string) (string, error)
}

// Queue runs delayed jobs serialized per key.
type Queue interface {
	Enqueue(key, name string, fn jobs.Func) error
	Schedule(delay time.Duration, key, name string, fn jobs.Func) error
}

// Broadcaster fans events out to operator UIs.
type Broadcaster interface {
	Broadcast(ev realtime.Event) int
}

// Dispatcher runs outbound send attempts.
type Dispatcher struct {
	registry      *channel.Registry
	conversations ConversationReader
	messages      Messages
	files         FileLocator
	queue         Queue
	bus           Broadcaster
	maxAttempts   int
	baseBackoff   time.Duration
	logger        *slog.Logger
	now           func() time.Time

	limitMu  sync.Mutex
	limiters map[channel.Platform]*rate.Limiter
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	log *slog.Logger,
	cfg config.OutboundConfig,
	registry *channel.Registry,
	conversations ConversationReader,
	messages Messages,
	files FileLocator,
	queue Queue,
	bus Broadcaster,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = config.DefaultOutboundAttempts
	}
	backoff := cfg.BaseBackoff.Duration
	if backoff <= 0 {
		backoff = config.DefaultOutboundBackoff
	}
	return &Dispatcher{
		registry:      registry,
		conversations: conversations,
		messages:      messages,
		files:         files,
		queue:         queue,
		bus:           bus,
		maxAttempts:   attempts,
		baseBackoff:   backoff,
		logger:        log.With(slog.String("service", "outbound")),
		now:           time.Now,
		limiters:      map[channel.Platform]*rate.Limiter{},
	}
}

// Enqueue submits the first send attempt for a queued message. Sends in one
// conversation run in order.
func (d *Dispatcher) Enqueue(_ context.Context, msg message.Message) error {
	return d.queue.Enqueue(queueKey(msg.ConversationID), jobName, d.job(msg.ID, msg.ConversationID, 1))
}

// Recover re-enqueues messages left queued by an earlier process.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	queued, err := d.messages.Queued(ctx, recoveryBatch)
	if err != nil {
		return 0, err
	}
	for _, msg := range queued {
		if err := d.Enqueue(ctx, msg); err != nil {
			return 0, fmt.Errorf("re-enqueue %s: %w", msg.ID, err)
		}
	}
	if len(queued) > 0 {
		d.logger.Info("recovered queued outbound messages", slog.Int("count", len(queued)))
	}
	return len(queued), nil
}

// Backoff returns the delay before attempt n+1 after attempt n failed.
func (d *Dispatcher) Backoff(n int) time.Duration {
	return d.baseBackoff << uint(n)
}

func (d *Dispatcher) job(messageID, conversationID string, n int) jobs.Func {
	return func(ctx context.Context) error {
		return d.attempt(ctx, messageID, conversationID, n)
	}
}

// attempt performs send attempt n (1-based) for a message.
// recordDelivered stores the parts a failed send already delivered so the
// next attempt does not repeat them.
func (d *Dispatcher) recordDelivered(ctx context.Context, messageID string, err error) {
	var partial *channel.PartialSendError
	if !errors.As(err, &partial) || len(partial.Delivered) == 0 {
		return
	}
	patch := map[string]any{channel.MetaDeliveredParts: partial.Delivered}
	if _, mergeErr := d.messages.MergeMetadata(context.WithoutCancel(ctx), messageID, patch); mergeErr != nil {
		d.logger.Error("record delivered parts failed",
			slog.String("message_id", messageID),
			slog.Any("error", mergeErr),
		)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, messageID, conversationID string, n int) error {
	msg, err := d.messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load message: %w", err)
	}
	if msg.Status != message.StatusQueued {
		d.logger.Debug("skipping send of settled message",
			slog.String("message_id", msg.ID),
			slog.String("status", string(msg.Status)),
		)
		return nil
	}
	conv, err := d.conversations.Get(ctx, msg.ConversationID)
	if err != nil {
		return d.fail(ctx, conv, msg, n, fmt.Errorf("load conversation: %w", err))
	}

	result, err := d.send(ctx, conv, msg)
	if err != nil {
		d.recordDelivered(ctx, msg.ID, err)
		if ctx.Err() != nil {
			// Shutdown: the message stays queued for recovery.
			return ctx.Err()
		}
		kind := channel.KindOf(err)
		if !kind.Terminal() && n < d.maxAttempts {
			delay := d.Backoff(n)
			d.logger.Warn("outbound send failed, retrying",
				slog.String("message_id", msg.ID),
				slog.Int("attempt", n),
				slog.Duration("retry_in", delay),
				slog.String("kind", string(kind)),
				slog.Any("error", err),
			)
			return d.queue.Schedule(delay, queueKey(conversationID), jobName, d.job(messageID, conversationID, n+1))
		}
		return d.fail(ctx, conv, msg, n, err)
	}

	metadata := map[string]any{message.MetaAttempts: n}
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	updated, err := d.messages.UpdateStatus(ctx, msg.ID, message.StatusSent, message.StatusUpdate{
		SentAt:            d.now().UTC(),
		ProviderMessageID: result.ProviderMessageID,
		Metadata:          metadata,
	})
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	d.logger.Info("outbound message sent",
		slog.String("message_id", msg.ID),
		slog.String("platform", string(conv.Platform)),
		slog.Int("attempt", n),
	)
	d.broadcast(realtime.MessageUpdated(conv, updated))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, conv conversation.Conversation, msg message.Message) (channel.SendResult, error) {
	sender, ok := d.registry.Sender(conv.Platform)
	if !ok {
		return channel.SendResult{}, channel.Errorf(channel.KindConfigurationMissing, "outbound.send", "no sender for %s", conv.Platform)
	}
	lastInbound, err := d.messages.LastInboundAt(ctx, conv.ID)
	if err != nil {
		return channel.SendResult{}, channel.NewError(channel.KindTransportUnavailable, "outbound.last_inbound", err)
	}
	attachments := make([]channel.OutboundAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		path, err := d.files.LocalPath(att.FilePath)
		if err != nil {
			return channel.SendResult{}, channel.NewError(channel.KindConfigurationMissing, "outbound.attachment", err)
		}
		attachments = append(attachments, channel.OutboundAttachment{
			Path:     path,
			Mime:     att.MimeType,
			Name:     att.OriginalName,
			FileType: att.FileType,
			Size:     att.FileSize,
		})
	}
	if err := d.limiter(conv.Platform).Wait(ctx); err != nil {
		return channel.SendResult{}, err
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return sender.Send(sendCtx, channel.OutboundRequest{
		MessageID:    msg.ID,
		Conversation: conv.Channel(lastInbound),
		Content:      msg.Content,
		Attachments:  attachments,
		Metadata:     msg.Metadata,
	})
}

func (d *Dispatcher) fail(ctx context.Context, conv conversation.Conversation, msg message.Message, n int, cause error) error {
	kind := channel.KindOf(cause)
	updated, err := d.messages.UpdateStatus(ctx, msg.ID, message.StatusFailed, message.StatusUpdate{
		Metadata: map[string]any{
			message.MetaError:     cause.Error(),
			message.MetaErrorKind: string(kind),
			message.MetaAttempts:  n,
		},
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	d.logger.Warn("outbound message failed",
		slog.String("message_id", msg.ID),
		slog.String("kind", string(kind)),
		slog.Int("attempts", n),
		slog.Any("error", cause),
	)
	if conv.ID != "" {
		d.broadcast(realtime.MessageUpdated(conv, updated))
	}
	return nil
}

func (d *Dispatcher) limiter(platform channel.Platform) *rate.Limiter {
	d.limitMu.Lock()
	defer d.limitMu.Unlock()
	if l, ok := d.limiters[platform]; ok {
		return l
	}
	limit, ok := platformRates[platform]
	if !ok {
		limit = 10
	}
	l := rate.NewLimiter(limit, 5)
	d.limiters[platform] = l
	return l
}

func (d *Dispatcher) broadcast(ev realtime.Event) {
	if d.bus != nil {
		d.bus.Broadcast(ev)
	}
}

func queueKey(conversationID string) string {
	return "outbound:" + conversationID
}
