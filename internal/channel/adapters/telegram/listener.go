package telegram

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

const pollTimeoutSeconds = 30

// Listen long-polls getUpdates when polling is enabled. With webhooks in use
// it reports ConfigurationMissing so the supervisor parks the listener.
func (a *Adapter) Listen(ctx context.Context, sink channel.EventSink) error {
	cfg, err := a.settings.Telegram(ctx)
	if err != nil {
		return err
	}
	if !cfg.UsePolling {
		return channel.Errorf(channel.KindConfigurationMissing, "telegram.listen", "polling disabled")
	}
	bot, err := a.bot(cfg)
	if err != nil {
		return err
	}
	// getUpdates is refused while a webhook is registered.
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return classify("telegram.listen", err)
	}
	selfID := botID(cfg.BotToken)
	a.logger.Info("polling started")

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{
			Offset:         offset,
			Timeout:        pollTimeoutSeconds,
			AllowedUpdates: []string{"message", "channel_post"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if wait := RetryAfter(err); wait > 0 {
				a.logger.Warn("polling throttled", slog.Duration("retry_after", wait))
				if !sleep(ctx, wait) {
					return nil
				}
				continue
			}
			return classify("telegram.listen", err)
		}
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			events := a.updateEvents(update, selfID)
			if len(events) == 0 {
				continue
			}
			if err := sink(ctx, a, events); err != nil {
				a.logger.Error("handle polled update failed", slog.Int("update_id", update.UpdateID), slog.Any("error", err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
