// Package conversation resolves and lists conversations, one per
// (platform, external id) pair.
package conversation

import (
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

// Conversation is one thread with a counterparty on one platform.
type Conversation struct {
	ID               string           `json:"id"`
	Platform         channel.Platform `json:"platform"`
	ExternalID       string           `json:"external_id"`
	Subject          string           `json:"subject,omitempty"`
	ClientRef        string           `json:"client_ref,omitempty"`
	AssignedOperator string           `json:"assigned_operator_ref,omitempty"`
	IsArchived       bool             `json:"is_archived"`
	LastMessageAt    time.Time        `json:"last_message_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Channel returns the snapshot an adapter needs to send into c.
func (c Conversation) Channel(lastInboundAt time.Time) channel.Conversation {
	return channel.Conversation{
		ID:               c.ID,
		Platform:         c.Platform,
		ExternalID:       c.ExternalID,
		Subject:          c.Subject,
		AssignedOperator: c.AssignedOperator,
		LastInboundAt:    lastInboundAt,
	}
}

// ResolveInput identifies the counterparty of an inbound or outbound message.
type ResolveInput struct {
	Platform   channel.Platform
	ExternalID string
	Subject    string
	// Aliases are checked when no conversation owns ExternalID yet.
	Aliases []channel.Alias
}

// InboxQuery pages through conversations, newest activity first.
type InboxQuery struct {
	Platform        channel.Platform
	IncludeArchived bool
	Limit           int
	Offset          int
}

// InboxItem is a conversation with a preview of its last message.
type InboxItem struct {
	Conversation
	LastMessage *Preview `json:"last_message,omitempty"`
}

// Preview is the short form of the newest message of a conversation.
type Preview struct {
	Content   string    `json:"content"`
	Direction string    `json:"direction"`
	CreatedAt time.Time `json:"created_at"`
}

// InboxPage is one page of the inbox.
type InboxPage struct {
	Items  []InboxItem `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// MergeReport summarizes a Telegram group merge run.
type MergeReport struct {
	Groups        int   `json:"groups"`
	Conversations int   `json:"conversations"`
	Messages      int64 `json:"messages"`
}
