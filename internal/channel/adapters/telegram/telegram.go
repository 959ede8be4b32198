// Package telegram implements the Telegram Bot API adapter plus an optional
// user-session sender for @username targets.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const (
	Name = "telegram"

	// SecretHeader carries the secret_token registered with setWebhook.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	// MetaPrivateUserID is only set on one-to-one chats, so group members
	// never alias onto the group conversation.
	MetaPrivateUserID = "private_user_id"

	maxMessageLength = 4096
	maxCaptionLength = 1024
)

var setLoggerOnce sync.Once

// SettingsSource loads the Telegram settings at call time.
type SettingsSource interface {
	Telegram(ctx context.Context) (settings.TelegramSettings, error)
}

// Adapter is the Telegram adapter. Bots are cached per token and endpoint.
type Adapter struct {
	settings SettingsSource
	client   tgbotapi.HTTPClient
	users    UserSender
	lookup   channel.MetadataLookup
	logger   *slog.Logger

	mu   sync.RWMutex
	bots map[string]*tgbotapi.BotAPI
}

// NewAdapter builds the adapter. lookup finds the numeric user id behind an
// @username conversation; users may be nil, in which case unresolved
// @username targets are tried through the Bot API, which only reaches
// public channels.
func NewAdapter(log *slog.Logger, source SettingsSource, client *http.Client, users UserSender, lookup channel.MetadataLookup) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	a := &Adapter{
		settings: source,
		client:   client,
		users:    users,
		lookup:   lookup,
		logger:   log.With(slog.String("adapter", Name)),
		bots:     make(map[string]*tgbotapi.BotAPI),
	}
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: a.logger})
	})
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Platform() channel.Platform { return channel.PlatformTelegram }

func (a *Adapter) bot(cfg settings.TelegramSettings) (*tgbotapi.BotAPI, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, channel.Errorf(channel.KindConfigurationMissing, "telegram.bot", "bot token is not configured")
	}
	key := cfg.APIEndpoint + "|" + cfg.BotToken
	a.mu.RLock()
	bot, ok := a.bots[key]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[key]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, cfg.APIEndpoint, a.client)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, classify("telegram.bot", err)
	}
	a.bots[key] = bot
	return bot, nil
}

// VerifyWebhook compares the secret-token header with the configured webhook
// secret. Query parameters are ignored so the secret never lands in access
// logs. Without a configured secret every delivery is accepted.
func (a *Adapter) VerifyWebhook(ctx context.Context, req channel.WebhookRequest) error {
	cfg, err := a.settings.Telegram(ctx)
	if err != nil {
		return err
	}
	expected := strings.TrimSpace(cfg.WebhookSecret)
	if expected == "" {
		return nil
	}
	got := req.Header(SecretHeader)
	if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1 {
		return nil
	}
	return channel.Errorf(channel.KindSignatureInvalid, "telegram.verify", "webhook secret mismatch")
}

// Receive decodes one Update. Only new messages and channel posts produce
// events; everything else is acknowledged and ignored.
func (a *Adapter) Receive(ctx context.Context, raw []byte) ([]channel.InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, channel.NewError(channel.KindMalformedEvent, "telegram.receive", err)
	}
	selfID := int64(0)
	if cfg, err := a.settings.Telegram(ctx); err == nil {
		selfID = botID(cfg.BotToken)
	}
	return a.updateEvents(update, selfID), nil
}

func (a *Adapter) updateEvents(update tgbotapi.Update, selfID int64) []channel.InboundEvent {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return nil
	}
	ev, ok := messageEvent(msg, selfID)
	if !ok {
		a.logger.Debug("skipping telegram update without content", slog.Int("update_id", update.UpdateID))
		return nil
	}
	return []channel.InboundEvent{ev}
}

// IsGroupChat applies the grouping rule: negative chat ids and group-like
// chat types are keyed on the chat, not on the member who wrote.
func IsGroupChat(chat *tgbotapi.Chat) bool {
	if chat == nil {
		return false
	}
	if chat.ID < 0 {
		return true
	}
	switch chat.Type {
	case "group", "supergroup", "channel":
		return true
	}
	return false
}

// GroupSubject is the conversation subject for a group chat.
func GroupSubject(chat *tgbotapi.Chat) string {
	if title := strings.TrimSpace(chat.Title); title != "" {
		return title
	}
	return fmt.Sprintf("Group %d", chat.ID)
}

func messageEvent(msg *tgbotapi.Message, selfID int64) (channel.InboundEvent, bool) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		content = strings.TrimSpace(msg.Caption)
	}
	attachments := collectAttachments(msg)
	if content == "" && len(attachments) == 0 {
		return channel.InboundEvent{}, false
	}

	messageID := ProviderID(msg.Chat.ID, msg.MessageID)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	group := IsGroupChat(msg.Chat)
	sender := resolveSender(msg)

	ev := channel.InboundEvent{
		Kind:              channel.EventMessage,
		Platform:          channel.PlatformTelegram,
		Content:           content,
		Type:              channel.MessageTypeText,
		Sender:            sender,
		Attachments:       attachments,
		ProviderMessageID: messageID,
		ReceivedAt:        time.Unix(int64(msg.Date), 0).UTC(),
		Metadata: map[string]any{
			"provider_message_id": messageID,
			"message_id":          msg.MessageID,
			"chat_id":             chatID,
			"is_group":            group,
			"user_id":             sender.ID,
			"username":            sender.Username,
			"date":                msg.Date,
		},
	}
	if content == "" {
		ev.Type = channel.MessageTypeFile
	}
	if group {
		ev.ExternalID = chatID
		ev.Subject = GroupSubject(msg.Chat)
		ev.Metadata["chat_title"] = msg.Chat.Title
		ev.Metadata["chat_type"] = msg.Chat.Type
	} else {
		ev.ExternalID = privateExternalID(msg)
		if sender.ID != "" {
			ev.Metadata[MetaPrivateUserID] = sender.ID
			if sender.Username != "" {
				// A chat first seen by numeric id is renamed to @username.
				ev.Aliases = []channel.Alias{{Key: MetaPrivateUserID, Value: sender.ID}}
			}
		}
	}
	if selfID != 0 && msg.From != nil && msg.From.ID == selfID {
		ev.IsEcho = true
	}
	return ev, true
}

func privateExternalID(msg *tgbotapi.Message) string {
	if msg.From != nil {
		if username := strings.TrimSpace(msg.From.UserName); username != "" {
			return "@" + username
		}
		return strconv.FormatInt(msg.From.ID, 10)
	}
	if username := strings.TrimSpace(msg.Chat.UserName); username != "" {
		return "@" + username
	}
	return strconv.FormatInt(msg.Chat.ID, 10)
}

func resolveSender(msg *tgbotapi.Message) channel.Identity {
	if msg.From != nil {
		name := strings.TrimSpace(strings.TrimSpace(msg.From.FirstName) + " " + strings.TrimSpace(msg.From.LastName))
		if name == "" {
			name = msg.From.UserName
		}
		return channel.Identity{
			ID:          strconv.FormatInt(msg.From.ID, 10),
			Username:    strings.TrimSpace(msg.From.UserName),
			DisplayName: name,
		}
	}
	if msg.SenderChat != nil {
		return channel.Identity{
			ID:          strconv.FormatInt(msg.SenderChat.ID, 10),
			Username:    msg.SenderChat.UserName,
			DisplayName: msg.SenderChat.Title,
		}
	}
	return channel.Identity{}
}

func collectAttachments(msg *tgbotapi.Message) []channel.PendingAttachment {
	var out []channel.PendingAttachment
	add := func(fileID, name, mime, fallbackMime, fileType string, size int) {
		if strings.TrimSpace(fileID) == "" {
			return
		}
		if strings.TrimSpace(mime) == "" {
			mime = fallbackMime
		}
		out = append(out, channel.PendingAttachment{
			Ref:      fileID,
			Name:     name,
			Mime:     mime,
			FileType: fileType,
			Size:     int64(size),
		})
	}
	if len(msg.Photo) > 0 {
		photo := pickPhoto(msg.Photo)
		add(photo.FileID, "", "", "image/jpeg", "image", photo.FileSize)
	}
	if msg.Document != nil {
		add(msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType, "application/octet-stream", "", msg.Document.FileSize)
	}
	if msg.Video != nil {
		add(msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType, "video/mp4", "video", msg.Video.FileSize)
	}
	if msg.Animation != nil && msg.Document == nil {
		add(msg.Animation.FileID, msg.Animation.FileName, msg.Animation.MimeType, "video/mp4", "video", msg.Animation.FileSize)
	}
	if msg.Voice != nil {
		add(msg.Voice.FileID, "voice.ogg", msg.Voice.MimeType, "audio/ogg", "audio", msg.Voice.FileSize)
	}
	if msg.Audio != nil {
		add(msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType, "audio/mpeg", "audio", msg.Audio.FileSize)
	}
	if msg.Sticker != nil {
		mime, name := "image/webp", "sticker.webp"
		if msg.Sticker.IsAnimated {
			mime, name = "application/x-tgsticker", "sticker.tgs"
		}
		fileType := "image"
		if msg.Sticker.IsAnimated {
			fileType = "file"
		}
		add(msg.Sticker.FileID, name, mime, mime, fileType, msg.Sticker.FileSize)
	}
	return out
}

// pickPhoto returns the largest size by file size, falling back to area.
func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.FileSize == best.FileSize && item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

// MediaRequest resolves a file_id with getFile and returns the download URL.
// The token lives in the URL itself, so no headers are needed.
func (a *Adapter) MediaRequest(ctx context.Context, att channel.PendingAttachment) (string, http.Header, error) {
	const op = "telegram.media"
	cfg, err := a.settings.Telegram(ctx)
	if err != nil {
		return "", nil, err
	}
	bot, err := a.bot(cfg)
	if err != nil {
		return "", nil, err
	}
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: att.Ref})
	if err != nil {
		return "", nil, channel.NewError(channel.KindMediaDownloadFailed, op, err)
	}
	if strings.TrimSpace(file.FilePath) == "" {
		return "", nil, channel.Errorf(channel.KindMediaDownloadFailed, op, "file %s has no path", att.Ref)
	}
	return fmt.Sprintf(fileEndpoint(cfg.APIEndpoint), cfg.BotToken, file.FilePath), nil, nil
}

// fileEndpoint derives the file download template from the API template.
func fileEndpoint(apiEndpoint string) string {
	if apiEndpoint == "" || apiEndpoint == tgbotapi.APIEndpoint {
		return tgbotapi.FileEndpoint
	}
	return strings.Replace(apiEndpoint, "/bot%s/%s", "/file/bot%s/%s", 1)
}

// Send delivers text and attachments. Numeric targets (users and groups) go
// through the bot. An @username conversation is sent to the private user id
// recorded on its inbound messages; without one the user session is used
// when configured, otherwise the Bot API, which only reaches public channels.
// Parts delivered by an earlier attempt are not sent again.
func (a *Adapter) Send(ctx context.Context, req channel.OutboundRequest) (channel.SendResult, error) {
	const op = "telegram.send"
	cfg, err := a.settings.Telegram(ctx)
	if err != nil {
		return channel.SendResult{}, err
	}
	target := strings.TrimSpace(req.Conversation.ExternalID)
	if target == "" {
		return channel.SendResult{}, channel.Errorf(channel.KindRecipientNotFound, op, "conversation %s has no chat id", req.Conversation.ID)
	}
	text := sanitizeText(req.Content)
	if text == "" && len(req.Attachments) == 0 {
		return channel.SendResult{}, channel.Errorf(channel.KindMalformedEvent, op, "nothing to send")
	}

	chatRef := target
	if strings.HasPrefix(target, "@") {
		if userID := a.privateUserID(ctx, req.Conversation.ID); userID != "" {
			chatRef = userID
		} else if cfg.HasUserSession() && a.users != nil {
			if len(req.Attachments) > 0 {
				return channel.SendResult{}, channel.Errorf(channel.KindMalformedEvent, op, "user session sends text only")
			}
			id, err := a.users.SendText(ctx, cfg, strings.TrimPrefix(target, "@"), truncateText(text, maxMessageLength))
			if err != nil {
				return channel.SendResult{}, err
			}
			return channel.SendResult{ProviderMessageID: id, Metadata: map[string]any{"via": "user_session"}}, nil
		}
	}

	bot, err := a.bot(cfg)
	if err != nil {
		return channel.SendResult{}, err
	}
	chat, err := parseTarget(chatRef)
	if err != nil {
		return channel.SendResult{}, channel.NewError(channel.KindRecipientNotFound, op, err)
	}

	parts := channel.NewParts(req.Metadata)
	caption := text
	if utf8.RuneCountInString(caption) > maxCaptionLength {
		caption = ""
	}
	for i, att := range req.Attachments {
		attCaption := ""
		if i == 0 {
			attCaption = caption
		}
		err := parts.Do(fmt.Sprintf("attachment:%d", i), func() (string, error) {
			sent, err := bot.Send(attachmentConfig(chat, att, attCaption))
			if err != nil {
				return "", classify(op, err)
			}
			return sentID(chat, sent), nil
		})
		if err != nil {
			return channel.SendResult{}, parts.Fail(err)
		}
		if attCaption != "" {
			text = ""
		}
	}
	if text != "" {
		err := parts.Do("text", func() (string, error) {
			sent, err := bot.Send(tgbotapi.MessageConfig{BaseChat: chat.base(), Text: truncateText(text, maxMessageLength)})
			if err != nil {
				return "", classify(op, err)
			}
			return sentID(chat, sent), nil
		})
		if err != nil {
			return channel.SendResult{}, parts.Fail(err)
		}
	}
	ids := parts.IDs()
	return channel.SendResult{
		ProviderMessageID: ids[0],
		Metadata:          map[string]any{"provider_message_ids": ids, "chat_id": chatRef},
	}, nil
}

// privateUserID returns the numeric id recorded for a private @username
// conversation, or "" when none is known.
func (a *Adapter) privateUserID(ctx context.Context, conversationID string) string {
	if a.lookup == nil || conversationID == "" {
		return ""
	}
	id, err := a.lookup.LookupMetadata(ctx, conversationID, MetaPrivateUserID)
	if err != nil {
		a.logger.Warn("private user id lookup failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
		return ""
	}
	id = strings.TrimSpace(id)
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return ""
	}
	return id
}

// ProviderID qualifies a message id with its chat. Bot API message ids are
// only unique within one chat.
func ProviderID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func sentID(chat chatTarget, sent tgbotapi.Message) string {
	if sent.Chat != nil {
		return ProviderID(sent.Chat.ID, sent.MessageID)
	}
	if chat.id != 0 {
		return ProviderID(chat.id, sent.MessageID)
	}
	return strconv.Itoa(sent.MessageID)
}

type chatTarget struct {
	id       int64
	username string
}

func (c chatTarget) base() tgbotapi.BaseChat {
	if c.username != "" {
		return tgbotapi.BaseChat{ChannelUsername: c.username}
	}
	return tgbotapi.BaseChat{ChatID: c.id}
}

func parseTarget(target string) (chatTarget, error) {
	if strings.HasPrefix(target, "@") {
		return chatTarget{username: target}, nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return chatTarget{}, fmt.Errorf("telegram target must be @username or chat id, got %q", target)
	}
	return chatTarget{id: id}, nil
}

func attachmentConfig(chat chatTarget, att channel.OutboundAttachment, caption string) tgbotapi.Chattable {
	base := tgbotapi.BaseFile{BaseChat: chat.base(), File: tgbotapi.FilePath(att.Path)}
	fileType := att.FileType
	if fileType == "" {
		fileType = channel.FileTypeFromMime(att.Mime)
	}
	switch {
	case fileType == "image" && att.Mime != "image/webp" && att.Mime != "image/gif":
		return tgbotapi.PhotoConfig{BaseFile: base, Caption: caption}
	case fileType == "video":
		return tgbotapi.VideoConfig{BaseFile: base, Caption: caption}
	case fileType == "audio" && strings.Contains(att.Mime, "ogg"):
		return tgbotapi.VoiceConfig{BaseFile: base, Caption: caption}
	default:
		return tgbotapi.DocumentConfig{BaseFile: base, Caption: caption}
	}
}

// classify maps Bot API and transport errors onto channel error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return channel.NewError(channel.KindProviderRateLimited, op, err)
		case apiErr.Code == http.StatusUnauthorized || (apiErr.Code == http.StatusNotFound && msg == "not found"):
			return channel.NewError(channel.KindConfigurationMissing, op, err)
		case apiErr.Code == http.StatusRequestEntityTooLarge || strings.Contains(msg, "too big"):
			return channel.NewError(channel.KindAttachmentTooLarge, op, err)
		case apiErr.Code >= 500:
			return channel.NewError(channel.KindTransportUnavailable, op, err)
		case apiErr.Code == http.StatusForbidden,
			strings.Contains(msg, "chat not found"),
			strings.Contains(msg, "user not found"),
			strings.Contains(msg, "peer_id_invalid"):
			return channel.NewError(channel.KindRecipientNotFound, op, err)
		default:
			return channel.NewError(channel.KindMalformedEvent, op, err)
		}
	}
	// Network failures and non-JSON proxy bodies.
	return channel.NewError(channel.KindTransportUnavailable, op, err)
}

// RetryAfter extracts the flood-wait hint from a classified error.
func RetryAfter(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

// botID returns the numeric id encoded before the colon of a bot token.
func botID(token string) int64 {
	idx := strings.Index(token, ":")
	if idx <= 0 {
		return 0
	}
	id, err := strconv.ParseInt(token[:idx], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func sanitizeText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if !utf8.ValidString(text) {
		return strings.ToValidUTF8(text, "")
	}
	return text
}

func truncateText(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-3]) + "..."
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
