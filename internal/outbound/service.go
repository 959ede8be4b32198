package outbound

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/media"
	"github.com/cateringcrm/omnichannel/internal/message"
	"github.com/cateringcrm/omnichannel/internal/realtime"
)

// ErrInvalidRequest wraps validation failures of a send request.
var ErrInvalidRequest = errors.New("invalid send request")

// SendRequest is an operator (or AI) request to send a message. Either
// ConversationID or Platform plus ExternalID identifies the counterparty.
type SendRequest struct {
	ConversationID string              `json:"conversation_id" validate:"required_without=ExternalID,omitempty,uuid"`
	Platform       string              `json:"platform" validate:"required_with=ExternalID,omitempty,oneof=telegram whatsapp instagram facebook email"`
	ExternalID     string              `json:"external_id" validate:"required_without=ConversationID,max=320"`
	Content        string              `json:"content" validate:"required_without=Attachments,max=20000"`
	Attachments    []AttachmentPayload `json:"attachments" validate:"omitempty,max=10,dive"`
	Metadata       map[string]any      `json:"metadata"`
}

// AttachmentPayload is a file carried in a send request as plain base64 or
// as a base64 data URL.
type AttachmentPayload struct {
	Name string `json:"name" validate:"required,max=255"`
	Mime string `json:"mime" validate:"max=255"`
	Data string `json:"data" validate:"required"`
}

// SendConversations resolves the target conversation of a send.
type SendConversations interface {
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	GetOrCreate(ctx context.Context, platform channel.Platform, externalID, subject string) (conversation.Conversation, error)
}

// SendMessages stores outbound messages and their files.
type SendMessages interface {
	InsertOutbound(ctx context.Context, in message.OutboundInput) (message.Message, error)
	UpdateStatus(ctx context.Context, id string, to message.Status, update message.StatusUpdate) (message.Message, error)
	AttachMedia(ctx context.Context, fn func(ctx context.Context, rec media.Recorder) error) error
}

// FileSaver stores attachment bytes.
type FileSaver interface {
	Save(ctx context.Context, rec media.Recorder, input media.SaveInput) (media.Attachment, error)
}

// Enqueuer hands a queued message to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg message.Message) error
}

// Service accepts send requests: it stores the message as queued and
// enqueues delivery.
type Service struct {
	conversations SendConversations
	messages      SendMessages
	files         FileSaver
	dispatcher    Enqueuer
	bus           Broadcaster
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewService creates the send service.
func NewService(log *slog.Logger, conversations SendConversations, messages SendMessages, files FileSaver, dispatcher Enqueuer, bus Broadcaster) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		files:         files,
		dispatcher:    dispatcher,
		bus:           bus,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        log.With(slog.String("service", "send")),
	}
}

type decodedFile struct {
	name string
	mime string
	data []byte
}

// Send stores req as a queued CRM message and enqueues its delivery.
func (s *Service) Send(ctx context.Context, req SendRequest) (message.Message, error) {
	req.Content = strings.TrimSpace(req.Content)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if err := s.validate.Struct(req); err != nil {
		return message.Message{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	files := make([]decodedFile, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		file, err := decodeAttachment(att)
		if err != nil {
			return message.Message{}, err
		}
		files = append(files, file)
	}

	conv, err := s.target(ctx, req)
	if err != nil {
		return message.Message{}, err
	}
	msgType := channel.MessageTypeText
	if req.Content == "" {
		msgType = channel.MessageTypeFile
	}
	msg, err := s.messages.InsertOutbound(ctx, message.OutboundInput{
		ConversationID: conv.ID,
		Platform:       conv.Platform,
		Content:        req.Content,
		Type:           msgType,
		Metadata:       req.Metadata,
		SentFromCRM:    true,
	})
	if err != nil {
		return message.Message{}, err
	}

	if len(files) > 0 {
		saved, err := s.saveFiles(ctx, msg.ID, files)
		if err != nil {
			s.logger.Error("outbound attachments not stored", slog.String("message_id", msg.ID), slog.Any("error", err))
			failed, updateErr := s.messages.UpdateStatus(ctx, msg.ID, message.StatusFailed, message.StatusUpdate{
				Metadata: map[string]any{message.MetaError: err.Error(), message.MetaErrorKind: string(channel.KindOf(err))},
			})
			if updateErr == nil {
				s.broadcast(realtime.NewMessage(conv, failed))
			}
			return message.Message{}, fmt.Errorf("store attachments: %w", err)
		}
		msg.Attachments = saved
	}

	s.broadcast(realtime.NewMessage(conv, msg))
	if err := s.dispatcher.Enqueue(ctx, msg); err != nil {
		// The message stays queued and is picked up by recovery.
		s.logger.Error("enqueue outbound failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	return msg, nil
}

// decodeAttachment accepts "data:<mime>;base64,<payload>" or bare base64.
func decodeAttachment(att AttachmentPayload) (decodedFile, error) {
	payload := strings.TrimSpace(att.Data)
	mimeType := strings.TrimSpace(att.Mime)
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return decodedFile{}, fmt.Errorf("%w: attachment %s: unsupported data url", ErrInvalidRequest, att.Name)
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(header, ";base64")
		}
		payload = body
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > media.MaxAssetBytes+2 {
		return decodedFile{}, channel.Errorf(channel.KindAttachmentTooLarge, "send", "attachment %s exceeds %d bytes", att.Name, media.MaxAssetBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return decodedFile{}, fmt.Errorf("%w: attachment %s: %v", ErrInvalidRequest, att.Name, err)
	}
	if int64(len(data)) > media.MaxAssetBytes {
		return decodedFile{}, channel.Errorf(channel.KindAttachmentTooLarge, "send", "attachment %s exceeds %d bytes", att.Name, media.MaxAssetBytes)
	}
	return decodedFile{name: att.Name, mime: mimeType, data: data}, nil
}

func (s *Service) target(ctx context.Context, req SendRequest) (conversation.Conversation, error) {
	if req.ConversationID != "" {
		return s.conversations.Get(ctx, req.ConversationID)
	}
	platform, ok := channel.ParsePlatform(req.Platform)
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("%w: unknown platform %q", ErrInvalidRequest, req.Platform)
	}
	return s.conversations.GetOrCreate(ctx, platform, req.ExternalID, "")
}

func (s *Service) saveFiles(ctx context.Context, messageID string, files []decodedFile) ([]media.Attachment, error) {
	saved := make([]media.Attachment, 0, len(files))
	err := s.messages.AttachMedia(ctx, func(ctx context.Context, rec media.Recorder) error {
		for _, f := range files {
			att, err := s.files.Save(ctx, rec, media.SaveInput{
				MessageID:    messageID,
				Data:         f.data,
				Mime:         f.mime,
				OriginalName: f.name,
			})
			if err != nil {
				return err
			}
			saved = append(saved, att)
		}
		return nil
	})
	return saved, err
}

func (s *Service) broadcast(ev realtime.Event) {
	if s.bus != nil {
		s.bus.Broadcast(ev)
	}
}
