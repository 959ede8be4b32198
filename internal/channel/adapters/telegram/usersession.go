package telegram

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gotd/td/session"
	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

// UserSender sends text as a regular Telegram account, which can reach
// users by @username where bots cannot.
type UserSender interface {
	SendText(ctx context.Context, cfg settings.TelegramSettings, username, text string) (string, error)
}

// SessionSender is the MTProto UserSender backed by a Telethon string session.
// Each call opens a short-lived connection.
type SessionSender struct {
	logger *slog.Logger
}

func NewSessionSender(log *slog.Logger) *SessionSender {
	if log == nil {
		log = slog.Default()
	}
	return &SessionSender{logger: log.With(slog.String("component", "telegram_session"))}
}

func (s *SessionSender) SendText(ctx context.Context, cfg settings.TelegramSettings, username, text string) (string, error) {
	const op = "telegram.session"
	if !cfg.HasUserSession() {
		return "", channel.Errorf(channel.KindConfigurationMissing, op, "session string, api id and api hash are required")
	}
	data, err := session.TelethonSession(strings.TrimSpace(cfg.SessionString))
	if err != nil {
		return "", channel.NewError(channel.KindConfigurationMissing, op, fmt.Errorf("decode session: %w", err))
	}
	storage := new(session.StorageMemory)
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}

	client := tdtelegram.NewClient(cfg.APIID, cfg.APIHash, tdtelegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
	})
	var messageID string
	err = client.Run(ctx, func(ctx context.Context) error {
		api := client.API()
		resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
		if err != nil {
			return err
		}
		peer, err := inputPeer(resolved)
		if err != nil {
			return err
		}
		randomID, err := randomInt64()
		if err != nil {
			return err
		}
		updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  text,
			RandomID: randomID,
		})
		if err != nil {
			return err
		}
		messageID = sentMessageID(updates)
		return nil
	})
	if err != nil {
		s.logger.Warn("user session send failed", slog.String("username", username), slog.Any("error", err))
		return "", classifyRPC(op, err)
	}
	return messageID, nil
}

func inputPeer(resolved *tg.ContactsResolvedPeer) (tg.InputPeerClass, error) {
	switch p := resolved.Peer.(type) {
	case *tg.PeerUser:
		for _, u := range resolved.Users {
			if user, ok := u.(*tg.User); ok && user.ID == p.UserID {
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, nil
			}
		}
	case *tg.PeerChannel:
		for _, c := range resolved.Chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == p.ChannelID {
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}, nil
	}
	return nil, channel.Errorf(channel.KindRecipientNotFound, "telegram.session", "username did not resolve to a peer")
}

func sentMessageID(updates tg.UpdatesClass) string {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return strconv.Itoa(u.ID)
	case *tg.Updates:
		for _, item := range u.Updates {
			if m, ok := item.(*tg.UpdateMessageID); ok {
				return strconv.Itoa(m.ID)
			}
		}
	}
	return ""
}

func randomInt64() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func classifyRPC(op string, err error) error {
	if channel.KindOf(err) != channel.KindUnknown {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return channel.NewError(channel.KindProviderRateLimited, op, fmt.Errorf("flood wait %s: %w", d, err))
	}
	switch {
	case tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "PEER_ID_INVALID", "USER_IS_BLOCKED"):
		return channel.NewError(channel.KindRecipientNotFound, op, err)
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "API_ID_INVALID", "AUTH_KEY_INVALID"):
		return channel.NewError(channel.KindConfigurationMissing, op, err)
	}
	return channel.NewError(channel.KindTransportUnavailable, op, err)
}
