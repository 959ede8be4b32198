// Package facebook implements the Messenger adapter for a Facebook page.
package facebook

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/channel/adapters/metagraph"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const Name = "facebook"

type SettingsSource interface {
	Facebook(ctx context.Context) (settings.FacebookSettings, error)
}

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

func (a *Adapter) Platform() channel.Platform { return channel.PlatformFacebook }

func (a *Adapter) VerifyWebhook(ctx context.Context, req channel.WebhookRequest) error {
	cfg, err := a.settings.Facebook(ctx)
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
	cfg, err := a.settings.Facebook(ctx)
	if err != nil {
		return "", err
	}
	return metagraph.VerifyHandshake(cfg.VerifyToken, mode, token, challenge)
}

// Receive parses entry[].messaging[]; the external id is the PSID.
func (a *Adapter) Receive(_ context.Context, raw []byte) ([]channel.InboundEvent, error) {
	payload, err := metagraph.ParseMessaging(raw)
	if err != nil {
		return nil, err
	}
	var events []channel.InboundEvent
	for _, entry := range payload.Entry {
		for _, item := range entry.Messaging {
			if item.Message == nil || item.Message.IsDeleted || item.Message.MID == "" {
				continue
			}
			psid := item.Counterparty()
			if psid == "" {
				continue
			}
			ev := metagraph.MessageEvent(channel.PlatformFacebook, entry, item)
			ev.ExternalID = psid
			ev.Sender = channel.Identity{ID: psid}
			ev.Metadata["psid"] = psid
			events = append(events, ev)
		}
	}
	return events, nil
}

// ResolveIdentity fills the sender's display name from the page-scoped profile.
func (a *Adapter) ResolveIdentity(ctx context.Context, ev *channel.InboundEvent) error {
	if ev.Kind != channel.EventMessage || ev.Sender.ID == "" || ev.IsEcho {
		return nil
	}
	cfg, err := a.settings.Facebook(ctx)
	if err != nil {
		return err
	}
	var p struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	query := url.Values{"fields": []string{"first_name,last_name"}}
	if err := a.client.Get(ctx, cfg.AccessToken, metagraph.Endpoint(cfg.GraphSettings, ev.Sender.ID), query, &p); err != nil {
		a.logger.Debug("messenger profile lookup failed", slog.String("psid", ev.Sender.ID), slog.Any("error", err))
		return nil
	}
	ev.Sender.DisplayName = strings.TrimSpace(p.FirstName + " " + p.LastName)
	return nil
}

func (a *Adapter) MediaRequest(ctx context.Context, att channel.PendingAttachment) (string, http.Header, error) {
	cfg, err := a.settings.Facebook(ctx)
	if err != nil {
		return "", nil, err
	}
	return att.Ref, metagraph.AuthHeader(cfg.AccessToken), nil
}

// Send posts to graph/me/messages with recipient.id = PSID.
func (a *Adapter) Send(ctx context.Context, req channel.OutboundRequest) (channel.SendResult, error) {
	cfg, err := a.settings.Facebook(ctx)
	if err != nil {
		return channel.SendResult{}, err
	}
	policy, err := metagraph.CheckWindow(req.Conversation, a.now())
	if err != nil {
		return channel.SendResult{}, err
	}
	return a.client.SendMessaging(ctx, metagraph.MessagingTarget{
		Graph:       cfg.GraphSettings,
		Token:       cfg.AccessToken,
		Node:        "me",
		RecipientID: req.Conversation.ExternalID,
	}, policy, req)
}
