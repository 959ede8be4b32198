package metagraph

import (
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

// Window is Meta's customer-service window after the last inbound message.
const Window = 24 * time.Hour

const (
	MessagingTypeResponse = "RESPONSE"
	MessagingTypeTag      = "MESSAGE_TAG"
	TagHumanAgent         = "HUMAN_AGENT"
)

// Policy is the outcome of the window check for one send.
type Policy struct {
	// Tagged is true when the send is outside the window and goes out as a
	// HUMAN_AGENT message tag.
	Tagged bool
}

// MessagingType returns the messaging_type field for Messenger-style sends.
func (p Policy) MessagingType() string {
	if p.Tagged {
		return MessagingTypeTag
	}
	return MessagingTypeResponse
}

// Metadata describes the policy for the message metadata.
func (p Policy) Metadata() map[string]any {
	if !p.Tagged {
		return nil
	}
	return map[string]any{"messaging_type": MessagingTypeTag, "tag": TagHumanAgent}
}

// CheckWindow applies the 24-hour rule. Inside the window the send is
// plain. Outside it the send is allowed only as a human agent, which
// requires an assigned operator.
func CheckWindow(conv channel.Conversation, now time.Time) (Policy, error) {
	if !conv.LastInboundAt.IsZero() && now.Sub(conv.LastInboundAt) <= Window {
		return Policy{}, nil
	}
	if strings.TrimSpace(conv.AssignedOperator) != "" {
		return Policy{Tagged: true}, nil
	}
	if conv.LastInboundAt.IsZero() {
		return Policy{}, channel.Errorf(channel.KindPolicyWindowExpired, "metagraph.window", "counterparty never wrote and no operator is assigned")
	}
	return Policy{}, channel.Errorf(channel.KindPolicyWindowExpired, "metagraph.window",
		"last inbound %s ago exceeds 24h and no operator is assigned", now.Sub(conv.LastInboundAt).Truncate(time.Second))
}
