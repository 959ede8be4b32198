// Package ai hands inbound text messages to an external RAG service and
// sends its answers back through the outbound dispatcher.
package ai

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/jobs"
	"github.com/cateringcrm/omnichannel/internal/message"
	"github.com/cateringcrm/omnichannel/internal/outbound"
	"github.com/cateringcrm/omnichannel/internal/prune"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const (
	contextMessages     = 10
	contextMessageBytes = 2048
	jobName             = "ai_handoff"

	// MetaSource marks messages produced by the AI path.
	MetaSource = "source"
	sourceAI   = "ai"
)

// SettingsSource reads the current AI settings.
type SettingsSource interface {
	AI(ctx context.Context) (settings.AISettings, error)
}

// History reads conversation state at fire time.
type History interface {
	HasOutboundAfter(ctx context.Context, conversationID string, t time.Time) (bool, error)
	Recent(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
}

// Sender enqueues the reply as a normal outbound message.
type Sender interface {
	Send(ctx context.Context, req outbound.SendRequest) (message.Message, error)
}

// Scheduler runs delayed jobs.
type Scheduler interface {
	Schedule(delay time.Duration, key, name string, fn jobs.Func) error
}

// Asker queries the RAG service.
type Asker interface {
	Ask(ctx context.Context, endpoint, apiKey string, q Query) (string, error)
}

// HandOff schedules and runs AI replies.
type HandOff struct {
	settings  SettingsSource
	history   History
	sender    Sender
	scheduler Scheduler
	rag       Asker
	logger    *slog.Logger
}

// NewHandOff creates the AI hand-off.
func NewHandOff(log *slog.Logger, source SettingsSource, history History, sender Sender, scheduler Scheduler, rag Asker) *HandOff {
	if log == nil {
		log = slog.Default()
	}
	return &HandOff{
		settings:  source,
		history:   history,
		sender:    sender,
		scheduler: scheduler,
		rag:       rag,
		logger:    log.With(slog.String("service", "ai")),
	}
}

// Schedule defers an AI reply to msg when AI is active for the platform.
func (h *HandOff) Schedule(ctx context.Context, conv conversation.Conversation, msg message.Message) {
	cfg, err := h.settings.AI(ctx)
	if err != nil {
		h.logger.Warn("ai settings unavailable", slog.Any("error", err))
		return
	}
	if !cfg.ActiveFor(conv.Platform) {
		return
	}
	trigger := msg
	err = h.scheduler.Schedule(cfg.TriggerDelay(), "ai:"+conv.ID, jobName, func(ctx context.Context) error {
		return h.Fire(ctx, conv, trigger)
	})
	if err != nil {
		h.logger.Error("schedule ai hand-off failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
}

// Fire runs the hand-off for trigger unless an operator replied after it.
func (h *HandOff) Fire(ctx context.Context, conv conversation.Conversation, trigger message.Message) error {
	answered, err := h.history.HasOutboundAfter(ctx, conv.ID, trigger.CreatedAt)
	if err != nil {
		return fmt.Errorf("check operator reply: %w", err)
	}
	if answered {
		h.logger.Debug("operator replied, skipping ai", slog.String("conversation_id", conv.ID))
		return nil
	}
	// Settings are re-read so a disable during the delay takes effect.
	cfg, err := h.settings.AI(ctx)
	if err != nil {
		return err
	}
	if !cfg.ActiveFor(conv.Platform) {
		return nil
	}
	recent, err := h.history.Recent(ctx, conv.ID, contextMessages)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}
	reply, err := h.rag.Ask(ctx, cfg.RAGAPIURL, cfg.RAGAPIKey, Query{
		Message:        trigger.Content,
		ConversationID: conv.ID,
		Platform:       conv.Platform.String(),
		Context:        toContext(recent),
	})
	if errors.Is(err, ErrEmptyReply) {
		h.logger.Info("rag returned no reply", slog.String("conversation_id", conv.ID))
		return nil
	}
	if err != nil {
		h.logger.Warn("rag request failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return err
	}
	sent, err := h.sender.Send(ctx, outbound.SendRequest{
		ConversationID: conv.ID,
		Content:        reply,
		Metadata:       map[string]any{MetaSource: sourceAI, "reply_to": trigger.ID},
	})
	if err != nil {
		return fmt.Errorf("send ai reply: %w", err)
	}
	h.logger.Info("ai reply queued", slog.String("conversation_id", conv.ID), slog.String("message_id", sent.ID))
	return nil
}

// Callback is an answer pushed by the RAG service.
type Callback struct {
	ConversationID string         `json:"conversation_id"`
	Reply          string         `json:"reply"`
	Answer         string         `json:"answer"`
	Text           string         `json:"text"`
	Metadata       map[string]any `json:"metadata"`
}

// HandleCallback authenticates token against the stored rag_token and
// enqueues the pushed reply.
func (h *HandOff) HandleCallback(ctx context.Context, token string, cb Callback) (message.Message, error) {
	cfg, err := h.settings.AI(ctx)
	if err != nil {
		return message.Message{}, err
	}
	if cfg.RAGToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.RAGToken)) != 1 {
		return message.Message{}, ErrUnauthorized
	}
	text := answer{Reply: cb.Reply, Answer: cb.Answer, Text: cb.Text}.text()
	if strings.TrimSpace(cb.ConversationID) == "" || text == "" {
		return message.Message{}, fmt.Errorf("%w: conversation_id and reply are required", ErrInvalidCallback)
	}
	metadata := map[string]any{}
	for k, v := range cb.Metadata {
		metadata[k] = v
	}
	metadata[MetaSource] = sourceAI
	return h.sender.Send(ctx, outbound.SendRequest{
		ConversationID: cb.ConversationID,
		Content:        text,
		Metadata:       metadata,
	})
}

func toContext(msgs []message.Message) []ContextMessage {
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "client"
		if m.Direction == message.DirectionOutbound {
			role = "operator"
			if m.Metadata[MetaSource] == sourceAI {
				role = "assistant"
			}
		}
		out = append(out, ContextMessage{Role: role, Content: prune.Clip(m.Content, prune.Config{MaxBytes: contextMessageBytes}), CreatedAt: m.CreatedAt})
	}
	return out
}
