// Package matrix implements WhatsApp over a Matrix homeserver running the
// mautrix-whatsapp bridge.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const (
	Name = "whatsapp_matrix"

	// MetaRoomID keys the DM room of a conversation in message metadata.
	MetaRoomID = "room_id"
)

var puppetPattern = regexp.MustCompile(`^@whatsapp_(\d+):`)

// SettingsSource loads the Matrix settings at call time.
type SettingsSource interface {
	Matrix(ctx context.Context) (settings.MatrixSettings, error)
}

// Adapter bridges WhatsApp through Matrix. Inbound comes from the /sync
// listener, outbound goes to the DM room shared with the puppet user.
type Adapter struct {
	settings SettingsSource
	client   *client
	lookup   channel.MetadataLookup
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	since string
	rooms map[string]string
}

func NewAdapter(log *slog.Logger, source SettingsSource, httpClient *http.Client, lookup channel.MetadataLookup) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("adapter", Name))
	return &Adapter{
		settings: source,
		client:   newClient(logger, httpClient),
		lookup:   lookup,
		logger:   logger,
		now:      time.Now,
		rooms:    make(map[string]string),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Platform() channel.Platform { return channel.PlatformWhatsApp }

// PhoneFromMXID turns @whatsapp_<digits>:server into +<digits>.
func PhoneFromMXID(mxid string) (string, bool) {
	m := puppetPattern.FindStringSubmatch(mxid)
	if m == nil {
		return "", false
	}
	return "+" + m[1], true
}

// PuppetMXID is the bridge user that stands for a phone number.
func PuppetMXID(phone, server string) string {
	return fmt.Sprintf("@whatsapp_%s:%s", strings.TrimPrefix(strings.TrimSpace(phone), "+"), server)
}

// MediaRequest maps an mxc:// URI onto the media download endpoint.
func (a *Adapter) MediaRequest(ctx context.Context, att channel.PendingAttachment) (string, http.Header, error) {
	const op = "matrix.media"
	cfg, err := a.settings.Matrix(ctx)
	if err != nil {
		return "", nil, err
	}
	server, mediaID, ok := parseMXC(att.Ref)
	if !ok {
		return "", nil, channel.Errorf(channel.KindMediaDownloadFailed, op, "not an mxc uri: %q", att.Ref)
	}
	target := apiURL(cfg.HomeserverURL, "/_matrix/media/v3/download/"+url.PathEscape(server)+"/"+url.PathEscape(mediaID), nil)
	return target, http.Header{"Authorization": []string{"Bearer " + cfg.AccessToken}}, nil
}

func parseMXC(ref string) (string, string, bool) {
	rest, ok := strings.CutPrefix(ref, "mxc://")
	if !ok {
		return "", "", false
	}
	server, mediaID, ok := strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return "", "", false
	}
	return server, mediaID, true
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

// Send posts m.room.message events to the DM room with the puppet user,
// creating the room on first contact.
func (a *Adapter) Send(ctx context.Context, req channel.OutboundRequest) (channel.SendResult, error) {
	const op = "matrix.send"
	cfg, err := a.settings.Matrix(ctx)
	if err != nil {
		return channel.SendResult{}, err
	}
	phone := strings.TrimSpace(req.Conversation.ExternalID)
	if strings.Trim(phone, "+") == "" {
		return channel.SendResult{}, channel.Errorf(channel.KindRecipientNotFound, op, "conversation %s has no phone number", req.Conversation.ID)
	}
	roomID, err := a.roomFor(ctx, cfg, req.Conversation.ID, phone)
	if err != nil {
		return channel.SendResult{}, err
	}

	var ids []string
	for _, att := range req.Attachments {
		uri, err := a.client.upload(ctx, cfg.AccessToken,
			apiURL(cfg.HomeserverURL, "/_matrix/media/v3/upload", url.Values{"filename": {att.Name}}), att.Path, att.Mime)
		if err != nil {
			return channel.SendResult{}, err
		}
		content := map[string]any{
			"msgtype": msgType(att),
			"body":    att.Name,
			"url":     uri,
			"info":    map[string]any{"mimetype": att.Mime, "size": att.Size},
		}
		id, err := a.sendEvent(ctx, cfg, roomID, content)
		if err != nil {
			return channel.SendResult{}, err
		}
		ids = append(ids, id)
	}
	if text := strings.TrimSpace(req.Content); text != "" {
		id, err := a.sendEvent(ctx, cfg, roomID, map[string]any{"msgtype": "m.text", "body": text})
		if err != nil {
			return channel.SendResult{}, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return channel.SendResult{}, channel.Errorf(channel.KindMalformedEvent, op, "nothing to send")
	}
	return channel.SendResult{
		ProviderMessageID: ids[0],
		Metadata: map[string]any{
			MetaRoomID:             roomID,
			"provider_message_ids": ids,
			"transport":            Name,
		},
	}, nil
}

func (a *Adapter) sendEvent(ctx context.Context, cfg settings.MatrixSettings, roomID string, content map[string]any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s", url.PathEscape(roomID), uuid.NewString())
	var out sendResponse
	if err := a.client.sendJSON(ctx, cfg.AccessToken, http.MethodPut, apiURL(cfg.HomeserverURL, path, nil), content, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

// roomFor finds the DM room: the in-memory map from /sync, then message
// metadata, then a freshly created room inviting the puppet.
func (a *Adapter) roomFor(ctx context.Context, cfg settings.MatrixSettings, conversationID, phone string) (string, error) {
	a.mu.Lock()
	roomID := a.rooms[phone]
	a.mu.Unlock()
	if roomID != "" {
		return roomID, nil
	}
	if a.lookup != nil && conversationID != "" {
		found, err := a.lookup.LookupMetadata(ctx, conversationID, MetaRoomID)
		if err != nil {
			return "", fmt.Errorf("lookup room: %w", err)
		}
		if found != "" {
			a.rememberRoom(phone, found)
			return found, nil
		}
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	payload := map[string]any{
		"invite":    []string{PuppetMXID(phone, cfg.ServerName())},
		"is_direct": true,
		"preset":    "trusted_private_chat",
	}
	if err := a.client.sendJSON(ctx, cfg.AccessToken, http.MethodPost, apiURL(cfg.HomeserverURL, "/_matrix/client/v3/createRoom", nil), payload, &out); err != nil {
		return "", err
	}
	a.logger.Info("created bridge room", slog.String("phone", phone), slog.String("room_id", out.RoomID))
	a.rememberRoom(phone, out.RoomID)
	return out.RoomID, nil
}

func (a *Adapter) rememberRoom(phone, roomID string) {
	if phone == "" || roomID == "" {
		return
	}
	a.mu.Lock()
	a.rooms[phone] = roomID
	a.mu.Unlock()
}

func msgType(att channel.OutboundAttachment) string {
	fileType := att.FileType
	if fileType == "" {
		fileType = channel.FileTypeFromMime(att.Mime)
	}
	switch fileType {
	case "image":
		return "m.image"
	case "video":
		return "m.video"
	case "audio":
		return "m.audio"
	default:
		return "m.file"
	}
}
