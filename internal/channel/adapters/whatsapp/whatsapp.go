// Package whatsapp implements the WhatsApp Cloud API adapter.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/metagraph"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const Name = "whatsapp_meta"

// SettingsSource loads the WhatsApp settings at call time.
type SettingsSource interface {
	WhatsApp(ctx context.Context) (settings.WhatsAppSettings, error)
}

// Adapter talks to the Meta WhatsApp Cloud API.
type Adapter struct {
	settings SettingsSource
	client   *metagraph.Client
	logger   *slog.Logger
	now      func() time.Time
}

func NewAdapter(log *slog.Logger, source SettingsSource, client *metagraph.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = metagraph.NewClient(log, nil)
	}
	return &Adapter{
		settings: source,
		client:   client,
		logger:   log.With(slog.String("adapter", Name)),
		now:      time.Now,
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Platform() channel.Platform { return channel.PlatformWhatsApp }

func (a *Adapter) VerifyWebhook(ctx context.Context, req channel.WebhookRequest) error {
	cfg, err := a.settings.WhatsApp(ctx)
	if err != nil {
		return err
	}
	signature := req.Signature
	if signature == "" {
		signature = req.Header(metagraph.SignatureHeader)
	}
	return metagraph.VerifySignature(cfg.AppSecret, req.Body, signature)
}

func (a *Adapter) VerifyHandshake(ctx context.Context, mode, token, challenge string) (string, error) {
	cfg, err := a.settings.WhatsApp(ctx)
	if err != nil {
		return "", err
	}
	return metagraph.VerifyHandshake(cfg.VerifyToken, mode, token, challenge)
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Voice    *waMedia `json:"voice"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
	Context  *struct {
		ID string `json:"id"`
	} `json:"context"`
}

func (m waMessage) media() (*waMedia, string) {
	switch {
	case m.Image != nil:
		return m.Image, "image"
	case m.Video != nil:
		return m.Video, "video"
	case m.Audio != nil:
		return m.Audio, "audio"
	case m.Voice != nil:
		return m.Voice, "audio"
	case m.Document != nil:
		return m.Document, "document"
	case m.Sticker != nil:
		return m.Sticker, "image"
	}
	return nil, ""
}

var defaultMimes = map[string]string{
	"image":    "image/jpeg",
	"video":    "video/mp4",
	"audio":    "audio/ogg",
	"voice":    "audio/ogg",
	"sticker":  "image/webp",
	"document": "application/octet-stream",
}

// Receive parses entry[].changes[].value into message and status events.
func (a *Adapter) Receive(_ context.Context, raw []byte) ([]channel.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, channel.NewError(channel.KindMalformedEvent, "whatsapp.receive", err)
	}
	var events []channel.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			for i, msg := range value.Messages {
				if strings.TrimSpace(msg.From) == "" || strings.TrimSpace(msg.ID) == "" {
					a.logger.Warn("dropping whatsapp message without sender or id")
					continue
				}
				name := ""
				if i < len(value.Contacts) {
					name = value.Contacts[i].Profile.Name
				}
				events = append(events, a.messageEvent(entry.ID, value.Metadata.PhoneNumberID, msg, name))
			}
			for _, status := range value.Statuses {
				if status.ID == "" {
					continue
				}
				events = append(events, channel.InboundEvent{
					Kind:              channel.EventStatus,
					Platform:          channel.PlatformWhatsApp,
					ExternalID:        E164(status.RecipientID),
					ProviderMessageID: status.ID,
					Status:            status.Status,
					ReceivedAt:        unixSeconds(status.Timestamp, a.now),
				})
			}
		}
	}
	return events, nil
}

func (a *Adapter) messageEvent(accountID, phoneNumberID string, msg waMessage, name string) channel.InboundEvent {
	ev := channel.InboundEvent{
		Kind:              channel.EventMessage,
		Platform:          channel.PlatformWhatsApp,
		ExternalID:        E164(msg.From),
		Type:              channel.MessageTypeText,
		Sender:            channel.Identity{ID: msg.From, DisplayName: name},
		ProviderMessageID: msg.ID,
		ReceivedAt:        unixSeconds(msg.Timestamp, a.now),
		Metadata: map[string]any{
			"provider_message_id": msg.ID,
			"wa_id":               msg.From,
			"phone_number_id":     phoneNumberID,
			"business_account_id": accountID,
			"message_type":        msg.Type,
			"timestamp":           msg.Timestamp,
		},
	}
	if name != "" {
		ev.Metadata["profile_name"] = name
	}
	if msg.Context != nil && msg.Context.ID != "" {
		ev.Metadata["reply_to"] = msg.Context.ID
	}
	if msg.Type == "text" && msg.Text != nil {
		ev.Content = msg.Text.Body
		return ev
	}
	media, fileType := msg.media()
	if media == nil || media.ID == "" {
		ev.Content = fmt.Sprintf("[%s]", msg.Type)
		return ev
	}
	ev.Content = media.Caption
	if strings.TrimSpace(ev.Content) == "" {
		ev.Content = fmt.Sprintf("[%s]", msg.Type)
		ev.Type = channel.MessageTypeFile
	}
	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = defaultMimes[msg.Type]
	}
	ev.Attachments = []channel.PendingAttachment{{
		Ref:      media.ID,
		Mime:     mimeType,
		Name:     media.Filename,
		FileType: fileType,
	}}
	return ev
}

// MediaRequest resolves a Graph media id to its download URL. Both hops
// need the bearer token.
func (a *Adapter) MediaRequest(ctx context.Context, att channel.PendingAttachment) (string, http.Header, error) {
	cfg, err := a.settings.WhatsApp(ctx)
	if err != nil {
		return "", nil, err
	}
	var out struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := a.client.Get(ctx, cfg.AccessToken, metagraph.Endpoint(cfg.GraphSettings, att.Ref), nil, &out); err != nil {
		return "", nil, channel.NewError(channel.KindMediaDownloadFailed, "whatsapp.media", err)
	}
	if out.URL == "" {
		return "", nil, channel.Errorf(channel.KindMediaDownloadFailed, "whatsapp.media", "media %s has no url", att.Ref)
	}
	return out.URL, metagraph.AuthHeader(cfg.AccessToken), nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts to graph/<phone_number_id>/messages after the window check.
// Each attachment goes out as its own media message; the text rides as
// the caption of the first one.
func (a *Adapter) Send(ctx context.Context, req channel.OutboundRequest) (channel.SendResult, error) {
	const op = "whatsapp.send"
	cfg, err := a.settings.WhatsApp(ctx)
	if err != nil {
		return channel.SendResult{}, err
	}
	to := digits(req.Conversation.ExternalID)
	if to == "" {
		return channel.SendResult{}, channel.Errorf(channel.KindRecipientNotFound, op, "conversation %s has no phone number", req.Conversation.ID)
	}
	policy, err := metagraph.CheckWindow(req.Conversation, a.now())
	if err != nil {
		return channel.SendResult{}, err
	}
	endpoint := metagraph.Endpoint(cfg.GraphSettings, cfg.PhoneNumberID, "messages")

	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return channel.SendResult{}, channel.Errorf(channel.KindMalformedEvent, op, "nothing to send")
	}

	parts := channel.NewParts(req.Metadata)
	caption := strings.TrimSpace(req.Content)
	for i, att := range req.Attachments {
		kind := mediaKind(att)
		body := map[string]any{}
		if caption != "" && kind != "audio" {
			body["caption"] = caption
			caption = ""
		}
		if kind == "document" && att.Name != "" {
			body["filename"] = att.Name
		}
		err := parts.Do(fmt.Sprintf("attachment:%d", i), func() (string, error) {
			mediaID, err := a.upload(ctx, cfg, att)
			if err != nil {
				return "", err
			}
			body["id"] = mediaID
			return a.post(ctx, cfg, endpoint, to, kind, body, policy)
		})
		if err != nil {
			return channel.SendResult{}, parts.Fail(err)
		}
	}
	if caption != "" {
		err := parts.Do("text", func() (string, error) {
			return a.post(ctx, cfg, endpoint, to, "text", map[string]any{"body": caption, "preview_url": false}, policy)
		})
		if err != nil {
			return channel.SendResult{}, parts.Fail(err)
		}
	}
	ids := parts.IDs()
	meta := map[string]any{"provider_message_ids": ids}
	for k, v := range policy.Metadata() {
		meta[k] = v
	}
	return channel.SendResult{ProviderMessageID: ids[0], Metadata: meta}, nil
}

func (a *Adapter) post(ctx context.Context, cfg settings.WhatsAppSettings, endpoint, to, kind string, body map[string]any, policy metagraph.Policy) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              kind,
		kind:                body,
	}
	if policy.Tagged {
		payload["messaging_type"] = metagraph.MessagingTypeTag
		payload["tag"] = metagraph.TagHumanAgent
	}
	var out sendResponse
	if err := a.client.PostJSON(ctx, cfg.AccessToken, endpoint, payload, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", channel.Errorf(channel.KindTransportUnavailable, "whatsapp.send", "response carried no message id")
	}
	return out.Messages[0].ID, nil
}

func (a *Adapter) upload(ctx context.Context, cfg settings.WhatsAppSettings, att channel.OutboundAttachment) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	endpoint := metagraph.Endpoint(cfg.GraphSettings, cfg.PhoneNumberID, "media")
	fields := map[string]string{"messaging_product": "whatsapp", "type": att.Mime}
	if err := a.client.Upload(ctx, cfg.AccessToken, endpoint, fields, "file", att.Path, att.Mime, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", channel.Errorf(channel.KindTransportUnavailable, "whatsapp.upload", "upload returned no media id")
	}
	return out.ID, nil
}

func mediaKind(att channel.OutboundAttachment) string {
	fileType := att.FileType
	if fileType == "" {
		fileType = channel.FileTypeFromMime(att.Mime)
	}
	switch fileType {
	case "image", "video", "audio":
		return fileType
	default:
		return "document"
	}
}

// E164 renders a WhatsApp wa_id as +<digits>.
func E164(waID string) string {
	d := digits(waID)
	if d == "" {
		return ""
	}
	return "+" + d
}

func digits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unixSeconds(raw string, now func() time.Time) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || sec <= 0 {
		return now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
