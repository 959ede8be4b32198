// Package instagram implements the Instagram Direct adapter on the Graph API.
package instagram

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

const (
	Name = "instagram"

	// Metadata keys that identify the counterparty across renames.
	MetaIGSID    = "igsid"
	MetaUsername = "username"
)

type SettingsSource interface {
	Instagram(ctx context.Context) (settings.InstagramSettings, error)
}

type Adapter struct {
	settings SettingsSource
	client   *metagraph.Client
	lookup   channel.MetadataLookup
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdapter creates the adapter. lookup finds the IGSID of conversations
// keyed by @username.
func NewAdapter(log *slog.Logger, source SettingsSource, client *metagraph.Client, lookup channel.MetadataLookup) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = metagraph.NewClient(log, nil)
	}
	return &Adapter{
		settings: source,
		client:   client,
		lookup:   lookup,
		logger:   log.With(slog.String("adapter", Name)),
		now:      time.Now,
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Platform() channel.Platform { return channel.PlatformInstagram }

func (a *Adapter) VerifyWebhook(ctx context.Context, req channel.WebhookRequest) error {
	cfg, err := a.settings.Instagram(ctx)
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
	cfg, err := a.settings.Instagram(ctx)
	if err != nil {
		return "", err
	}
	return metagraph.VerifyHandshake(cfg.VerifyToken, mode, token, challenge)
}

// Receive parses entry[].messaging[]. External ids start as the IGSID;
// ResolveIdentity upgrades them to @username when the profile is readable.
func (a *Adapter) Receive(_ context.Context, raw []byte) ([]channel.InboundEvent, error) {
	payload, err := metagraph.ParseMessaging(raw)
	if err != nil {
		return nil, err
	}
	var events []channel.InboundEvent
	for _, entry := range payload.Entry {
		for _, item := range entry.Messaging {
			igsid := item.Counterparty()
			switch {
			case item.Message != nil && !item.Message.IsDeleted:
				if igsid == "" || item.Message.MID == "" {
					continue
				}
				ev := metagraph.MessageEvent(channel.PlatformInstagram, entry, item)
				ev.ExternalID = igsid
				ev.Sender = channel.Identity{ID: igsid}
				ev.Metadata[MetaIGSID] = igsid
				ev.Aliases = []channel.Alias{{Key: MetaIGSID, Value: igsid}}
				events = append(events, ev)
			case item.Read != nil && item.Read.MID != "":
				events = append(events, channel.InboundEvent{
					Kind:              channel.EventStatus,
					Platform:          channel.PlatformInstagram,
					ExternalID:        igsid,
					ProviderMessageID: item.Read.MID,
					Status:            "read",
					ReceivedAt:        item.Time(),
				})
			}
		}
	}
	return events, nil
}

type profile struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

// ResolveIdentity looks up the sender's username. Failure keeps the IGSID
// as the external id.
func (a *Adapter) ResolveIdentity(ctx context.Context, ev *channel.InboundEvent) error {
	if ev.Kind != channel.EventMessage {
		return nil
	}
	igsid := ev.Sender.ID
	if igsid == "" || strings.HasPrefix(ev.ExternalID, "@") {
		return nil
	}
	cfg, err := a.settings.Instagram(ctx)
	if err != nil {
		return err
	}
	var p profile
	query := url.Values{"fields": []string{"username,name"}}
	if err := a.client.Get(ctx, cfg.SendToken(), metagraph.Endpoint(cfg.GraphSettings, igsid), query, &p); err != nil {
		a.logger.Info("instagram profile lookup failed, keeping igsid",
			slog.String("igsid", igsid),
			slog.Any("error", err),
		)
		return nil
	}
	username := strings.TrimPrefix(strings.TrimSpace(p.Username), "@")
	if username == "" {
		return nil
	}
	ev.ExternalID = "@" + username
	ev.Sender.Username = username
	ev.Sender.DisplayName = p.Name
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	ev.Metadata[MetaUsername] = username
	ev.Aliases = append(ev.Aliases,
		channel.Alias{Key: MetaUsername, Value: username},
		channel.Alias{Key: MetaIGSID, Value: igsid},
	)
	ev.Aliases = dedupeAliases(ev.Aliases)
	return nil
}

func (a *Adapter) MediaRequest(ctx context.Context, att channel.PendingAttachment) (string, http.Header, error) {
	cfg, err := a.settings.Instagram(ctx)
	if err != nil {
		return "", nil, err
	}
	return att.Ref, metagraph.AuthHeader(cfg.SendToken()), nil
}

// Send delivers through the Send API with the page token. Conversations
// keyed by @username are sent to the IGSID recorded on earlier messages.
func (a *Adapter) Send(ctx context.Context, req channel.OutboundRequest) (channel.SendResult, error) {
	cfg, err := a.settings.Instagram(ctx)
	if err != nil {
		return channel.SendResult{}, err
	}
	policy, err := metagraph.CheckWindow(req.Conversation, a.now())
	if err != nil {
		return channel.SendResult{}, err
	}
	recipient, err := a.recipient(ctx, req.Conversation)
	if err != nil {
		return channel.SendResult{}, err
	}
	return a.client.SendMessaging(ctx, metagraph.MessagingTarget{
		Graph:       cfg.GraphSettings,
		Token:       cfg.SendToken(),
		Node:        cfg.PageID,
		RecipientID: recipient,
	}, policy, req)
}

func (a *Adapter) recipient(ctx context.Context, conv channel.Conversation) (string, error) {
	if !strings.HasPrefix(conv.ExternalID, "@") {
		return conv.ExternalID, nil
	}
	if a.lookup == nil {
		return "", channel.Errorf(channel.KindRecipientNotFound, "instagram.send", "no igsid known for %s", conv.ExternalID)
	}
	igsid, err := a.lookup.LookupMetadata(ctx, conv.ID, MetaIGSID)
	if err != nil {
		return "", channel.NewError(channel.KindTransportUnavailable, "instagram.send", err)
	}
	if igsid == "" {
		return "", channel.Errorf(channel.KindRecipientNotFound, "instagram.send", "no igsid known for %s", conv.ExternalID)
	}
	return igsid, nil
}

func dedupeAliases(items []channel.Alias) []channel.Alias {
	seen := map[channel.Alias]bool{}
	out := items[:0]
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
