package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
)

// MergeTelegramGroups moves group messages that were threaded under a
// per-user conversation into the conversation keyed by the group chat id.
// Each group is merged in its own transaction; emptied source
// conversations are archived, never deleted.
func (s *Service) MergeTelegramGroups(ctx context.Context) (MergeReport, error) {
	chatIDs, err := s.queries.ListTelegramGroupChatIDs(ctx)
	if err != nil {
		return MergeReport{}, fmt.Errorf("list telegram groups: %w", err)
	}
	var report MergeReport
	for _, raw := range chatIDs {
		chatID := strings.TrimSpace(raw.String)
		if !raw.Valid || chatID == "" {
			continue
		}
		var merged int
		var moved int64
		err := s.inTx(ctx, func(q Queries) error {
			var err error
			merged, moved, err = s.mergeGroup(ctx, q, chatID)
			return err
		})
		if err != nil {
			s.logger.Error("merge telegram group failed", slog.String("chat_id", chatID), slog.Any("error", err))
			continue
		}
		if merged == 0 {
			continue
		}
		report.Groups++
		report.Conversations += merged
		report.Messages += moved
		s.logger.Info("telegram group merged",
			slog.String("chat_id", chatID),
			slog.Int("conversations", merged),
			slog.Int64("messages", moved),
		)
	}
	return report, nil
}

func (s *Service) mergeGroup(ctx context.Context, q Queries, chatID string) (int, int64, error) {
	sources, err := q.ListTelegramConversationsByChatID(ctx, chatID)
	if err != nil {
		return 0, 0, fmt.Errorf("list sources: %w", err)
	}
	if len(sources) == 0 {
		return 0, 0, nil
	}
	target, err := s.byExternalID(ctx, q, channel.PlatformTelegram, chatID)
	if err != nil {
		target, err = s.create(ctx, q, channel.PlatformTelegram, chatID, "Group "+chatID)
		if err != nil {
			return 0, 0, err
		}
	}
	targetID, err := dbpkg.ParseUUID(target.ID)
	if err != nil {
		return 0, 0, err
	}
	latest := target.LastMessageAt
	var moved int64
	for _, src := range sources {
		n, err := q.MoveConversationMessages(ctx, sqlc.MoveConversationMessagesParams{
			TargetID: targetID,
			SourceID: src.ID,
			ChatID:   chatID,
		})
		if err != nil {
			return 0, 0, fmt.Errorf("move messages: %w", err)
		}
		moved += n
		if src.LastMessageAt.Valid && src.LastMessageAt.Time.After(latest) {
			latest = src.LastMessageAt.Time
		}
		left, err := q.CountConversationMessages(ctx, src.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("count remaining messages: %w", err)
		}
		if left == 0 {
			if err := q.MarkConversationArchived(ctx, src.ID); err != nil {
				return 0, 0, fmt.Errorf("archive source: %w", err)
			}
		}
	}
	if latest.IsZero() {
		latest = time.Now().UTC()
	}
	if err := q.TouchConversation(ctx, sqlc.TouchConversationParams{
		ID:            targetID,
		LastMessageAt: dbpkg.Timestamptz(latest),
	}); err != nil {
		return 0, 0, fmt.Errorf("touch target: %w", err)
	}
	return len(sources), moved, nil
}
