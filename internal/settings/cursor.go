package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// KeyEmailCursor holds listener state, not operator settings, so it is not
// listed in Keys and never served by the settings API.
const KeyEmailCursor = "email_imap_cursor"

// IMAPCursor is the email listener's position in INBOX. LastUID is only
// meaningful while the mailbox keeps the same UIDValidity.
type IMAPCursor struct {
	UIDValidity uint32 `json:"uid_validity"`
	LastUID     uint32 `json:"last_uid"`
}

// EmailCursor loads the stored cursor. It bypasses the cache because the
// listener is the only writer.
func (s *Service) EmailCursor(ctx context.Context) (IMAPCursor, bool, error) {
	if s.store == nil {
		return IMAPCursor{}, false, nil
	}
	raw, err := s.store.GetSetting(ctx, KeyEmailCursor)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return IMAPCursor{}, false, nil
		}
		return IMAPCursor{}, false, fmt.Errorf("load email cursor: %w", err)
	}
	var cur IMAPCursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return IMAPCursor{}, false, fmt.Errorf("decode email cursor: %w", err)
	}
	return cur, true, nil
}

// SaveEmailCursor stores the cursor after a batch was handed off.
func (s *Service) SaveEmailCursor(ctx context.Context, cur IMAPCursor) error {
	if s.store == nil {
		return nil
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	if err := s.store.UpsertSetting(ctx, KeyEmailCursor, raw); err != nil {
		return fmt.Errorf("save email cursor: %w", err)
	}
	return nil
}
