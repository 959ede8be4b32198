package matrix

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const syncTimeout = 30 * time.Second

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []roomEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]json.RawMessage `json:"invite"`
	} `json:"rooms"`
}

type roomEvent struct {
	Type           string         `json:"type"`
	EventID        string         `json:"event_id"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        messageContent `json:"content"`
}

type messageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
	URL     string `json:"url"`
	Info    struct {
		MimeType string `json:"mimetype"`
		Size     int64  `json:"size"`
	} `json:"info"`
}

// Listen long-polls /sync. The first call only records the stream position
// so history is not replayed after a restart of the process.
func (a *Adapter) Listen(ctx context.Context, sink channel.EventSink) error {
	cfg, err := a.settings.Matrix(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	since := a.since
	a.mu.Unlock()
	if since == "" {
		resp, err := a.sync(ctx, cfg, "", 0)
		if err != nil {
			return err
		}
		since = resp.NextBatch
		a.joinInvites(ctx, cfg, resp)
	}
	a.logger.Info("sync started", slog.String("since", since))

	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := a.sync(ctx, cfg, since, syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.joinInvites(ctx, cfg, resp)
		if events := a.syncEvents(cfg, resp); len(events) > 0 {
			if err := sink(ctx, a, events); err != nil {
				a.logger.Error("handle sync batch failed", slog.Any("error", err))
			}
		}
		since = resp.NextBatch
		a.mu.Lock()
		a.since = since
		a.mu.Unlock()
		if interval := cfg.PollInterval(); interval > 0 && len(resp.Rooms.Join) == 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (a *Adapter) sync(ctx context.Context, cfg settings.MatrixSettings, since string, timeout time.Duration) (*syncResponse, error) {
	query := url.Values{"timeout": {strconv.FormatInt(timeout.Milliseconds(), 10)}}
	if since != "" {
		query.Set("since", since)
	}
	var resp syncResponse
	if err := a.client.getJSON(ctx, cfg.AccessToken, apiURL(cfg.HomeserverURL, "/_matrix/client/v3/sync", query), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// joinInvites accepts room invites so new bridge DMs become visible.
func (a *Adapter) joinInvites(ctx context.Context, cfg settings.MatrixSettings, resp *syncResponse) {
	for roomID := range resp.Rooms.Invite {
		path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
		if err := a.client.sendJSON(ctx, cfg.AccessToken, http.MethodPost, apiURL(cfg.HomeserverURL, path, nil), map[string]any{}, nil); err != nil {
			a.logger.Warn("join invite failed", slog.String("room_id", roomID), slog.Any("error", err))
		}
	}
}

// syncEvents converts timeline messages into inbound events, dropping our
// own echoes, the bridge bot and senders that are not WhatsApp puppets.
func (a *Adapter) syncEvents(cfg settings.MatrixSettings, resp *syncResponse) []channel.InboundEvent {
	var out []channel.InboundEvent
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" || ev.EventID == "" {
				continue
			}
			if ev.Sender == cfg.UserID || (cfg.BridgeBot != "" && ev.Sender == cfg.BridgeBot) {
				continue
			}
			phone, ok := PhoneFromMXID(ev.Sender)
			if !ok {
				continue
			}
			a.rememberRoom(phone, roomID)
			out = append(out, a.toEvent(roomID, phone, ev))
		}
	}
	return out
}

func (a *Adapter) toEvent(roomID, phone string, ev roomEvent) channel.InboundEvent {
	received := a.now().UTC()
	if ev.OriginServerTS > 0 {
		received = time.UnixMilli(ev.OriginServerTS).UTC()
	}
	out := channel.InboundEvent{
		Kind:              channel.EventMessage,
		Platform:          channel.PlatformWhatsApp,
		ExternalID:        phone,
		Type:              channel.MessageTypeText,
		Sender:            channel.Identity{ID: ev.Sender},
		ProviderMessageID: ev.EventID,
		ReceivedAt:        received,
		Metadata: map[string]any{
			"provider_message_id": ev.EventID,
			MetaRoomID:            roomID,
			"matrix_sender":       ev.Sender,
			"timestamp":           ev.OriginServerTS,
			"transport":           Name,
		},
	}
	switch ev.Content.MsgType {
	case "m.image", "m.video", "m.audio", "m.file":
		if strings.HasPrefix(ev.Content.URL, "mxc://") {
			out.Attachments = []channel.PendingAttachment{{
				Ref:      ev.Content.URL,
				Mime:     ev.Content.Info.MimeType,
				Name:     ev.Content.Body,
				FileType: strings.TrimPrefix(ev.Content.MsgType, "m."),
				Size:     ev.Content.Info.Size,
			}}
			out.Type = channel.MessageTypeFile
			out.Content = "[" + strings.TrimPrefix(ev.Content.MsgType, "m.") + "]"
			if out.Attachments[0].FileType == "file" {
				out.Attachments[0].FileType = ""
			}
			return out
		}
	}
	out.Content = ev.Content.Body
	return out
}
