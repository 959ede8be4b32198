// Package email implements the IMAP/SMTP adapter.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const (
	Name = "email"

	// MetaMessageID is the RFC 5322 Message-ID of a stored mail.
	MetaMessageID = "message_id"
)

// SettingsSource loads the email settings at call time.
type SettingsSource interface {
	Email(ctx context.Context) (settings.EmailSettings, error)
}

// CursorStore keeps the listener's INBOX position across restarts.
type CursorStore interface {
	EmailCursor(ctx context.Context) (settings.IMAPCursor, bool, error)
	SaveEmailCursor(ctx context.Context, cur settings.IMAPCursor) error
}

type Adapter struct {
	settings   SettingsSource
	lookup     channel.MetadataLookup
	logger     *slog.Logger
	lookupHost func(ctx context.Context, host string) ([]string, error)
	dialOpts   []gomail.Option

	cursors CursorStore
	mu      sync.Mutex
	cursor  settings.IMAPCursor
}

// NewAdapter builds the adapter. cursors may be nil, in which case the
// INBOX position only survives within the process.
func NewAdapter(log *slog.Logger, source SettingsSource, lookup channel.MetadataLookup, cursors CursorStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		settings:   source,
		lookup:     lookup,
		cursors:    cursors,
		logger:     log.With(slog.String("adapter", Name)),
		lookupHost: net.DefaultResolver.LookupHost,
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Platform() channel.Platform { return channel.PlatformEmail }

// Receive parses one raw RFC 5322 message.
func (a *Adapter) Receive(ctx context.Context, raw []byte) ([]channel.InboundEvent, error) {
	ev, err := a.event(ctx, raw)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	return []channel.InboundEvent{*ev}, nil
}

func (a *Adapter) event(ctx context.Context, raw []byte) (*channel.InboundEvent, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, channel.NewError(channel.KindMalformedEvent, "email.receive", err)
	}
	if parsed.From == "" {
		a.logger.Warn("dropping mail without sender", slog.String("message_id", parsed.MessageID))
		return nil, nil
	}
	own := ""
	if cfg, err := a.settings.Email(ctx); err == nil {
		own = strings.ToLower(strings.TrimSpace(cfg.FromAddress))
	}

	counterparty, echo := parsed.From, false
	if own != "" && parsed.From == own {
		if len(parsed.To) == 0 {
			return nil, nil
		}
		counterparty, echo = parsed.To[0], true
	}
	text, html := parsed.Body()
	if text == "" && len(parsed.Attachments) == 0 {
		text = parsed.Subject
	}
	received := parsed.Date
	if received.IsZero() {
		received = time.Now().UTC()
	}
	ev := &channel.InboundEvent{
		Kind:              channel.EventMessage,
		Platform:          channel.PlatformEmail,
		ExternalID:        counterparty,
		Subject:           parsed.Subject,
		Content:           text,
		Type:              channel.MessageTypeText,
		Sender:            channel.Identity{ID: parsed.From, DisplayName: parsed.FromName},
		Attachments:       parsed.Attachments,
		ProviderMessageID: parsed.MessageID,
		IsEcho:            echo,
		ReceivedAt:        received,
		Metadata: map[string]any{
			"provider_message_id": parsed.MessageID,
			MetaMessageID:         parsed.MessageID,
			"from":                parsed.From,
			"to":                  parsed.To,
			"subject":             parsed.Subject,
		},
	}
	if html != "" {
		ev.Metadata["html"] = html
	}
	if len(parsed.InReplyTo) > 0 {
		ev.Metadata["in_reply_to"] = parsed.InReplyTo[0]
	}
	if text == "" {
		ev.Type = channel.MessageTypeFile
	}
	return ev, nil
}

// MediaRequest is never needed: MIME parts arrive inline.
func (a *Adapter) MediaRequest(_ context.Context, att channel.PendingAttachment) (string, http.Header, error) {
	return "", nil, channel.Errorf(channel.KindMediaDownloadFailed, "email.media", "attachment %q has no remote source", att.Name)
}

// Send delivers through SMTP. Port 465 uses implicit TLS, anything else
// requires STARTTLS. The reply threads onto the newest inbound Message-ID.
func (a *Adapter) Send(ctx context.Context, req channel.OutboundRequest) (channel.SendResult, error) {
	const op = "email.send"
	cfg, err := a.settings.Email(ctx)
	if err != nil {
		return channel.SendResult{}, err
	}
	if err := cfg.SMTPReady(); err != nil {
		return channel.SendResult{}, err
	}
	to := strings.TrimSpace(req.Conversation.ExternalID)
	if to == "" {
		return channel.SendResult{}, channel.Errorf(channel.KindRecipientNotFound, op, "conversation %s has no address", req.Conversation.ID)
	}

	m := gomail.NewMsg()
	if err := m.FromFormat(cfg.FromName, cfg.FromAddress); err != nil {
		return channel.SendResult{}, channel.NewError(channel.KindConfigurationMissing, op, fmt.Errorf("set from: %w", err))
	}
	if err := m.To(to); err != nil {
		return channel.SendResult{}, channel.NewError(channel.KindRecipientNotFound, op, fmt.Errorf("set to: %w", err))
	}
	m.Subject(replySubject(req.Conversation.Subject))
	m.SetBodyString(gomail.TypeTextPlain, req.Content)
	for _, att := range req.Attachments {
		opts := []gomail.FileOption{gomail.WithFileName(att.Name)}
		if att.Mime != "" {
			opts = append(opts, gomail.WithFileContentType(gomail.ContentType(att.Mime)))
		}
		m.AttachFile(att.Path, opts...)
	}
	if parent := a.threadParent(ctx, req.Conversation.ID); parent != "" {
		m.SetGenHeader(gomail.HeaderInReplyTo, "<"+parent+">")
		m.SetGenHeader(gomail.HeaderReferences, "<"+parent+">")
	}
	m.SetMessageID()

	if err := a.checkHost(ctx, cfg.SMTPHost); err != nil {
		return channel.SendResult{}, err
	}
	client, err := gomail.NewClient(cfg.SMTPHost, a.clientOptions(cfg)...)
	if err != nil {
		return channel.SendResult{}, channel.NewError(channel.KindConfigurationMissing, op, fmt.Errorf("create smtp client: %w", err))
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return channel.SendResult{}, classifySMTP(op, err)
	}
	id := strings.Trim(m.GetMessageID(), "<>")
	return channel.SendResult{
		ProviderMessageID: id,
		Metadata:          map[string]any{MetaMessageID: id},
	}, nil
}

func (a *Adapter) clientOptions(cfg settings.EmailSettings) []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(cfg.SMTPPort),
		gomail.WithTimeout(30 * time.Second),
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.SMTPUser),
			gomail.WithPassword(cfg.SMTPPassword),
		)
	}
	switch cfg.SMTPPort {
	case 465:
		opts = append(opts, gomail.WithSSLPort(false))
	case 25:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}
	return append(opts, a.dialOpts...)
}

func (a *Adapter) threadParent(ctx context.Context, conversationID string) string {
	if a.lookup == nil || conversationID == "" {
		return ""
	}
	id, err := a.lookup.LookupMetadata(ctx, conversationID, MetaMessageID)
	if err != nil {
		a.logger.Warn("thread lookup failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
		return ""
	}
	return id
}

// checkHost resolves the SMTP host first so a DNS problem surfaces as an
// actionable message instead of a generic dial error.
func (a *Adapter) checkHost(ctx context.Context, host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.lookupHost(lookupCtx, host); err != nil {
		var dnsErr *net.DNSError
		hint := "check smtp_host in the email settings"
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			hint = "the name does not exist, check smtp_host for typos"
		} else if errors.As(err, &dnsErr) && dnsErr.IsTimeout {
			hint = "the resolver timed out, check the server's DNS configuration"
		}
		return channel.Errorf(channel.KindTransportUnavailable, "email.dns", "cannot resolve smtp host %q: %v (%s)", host, err, hint)
	}
	return nil
}

func classifySMTP(op string, err error) error {
	var sendErr *gomail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.Reason == gomail.ErrSMTPRcptTo && !sendErr.IsTemp() {
			return channel.NewError(channel.KindRecipientNotFound, op, err)
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "auth") && strings.Contains(msg, "535") {
		return channel.NewError(channel.KindConfigurationMissing, op, err)
	}
	return channel.NewError(channel.KindTransportUnavailable, op, err)
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re:"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
