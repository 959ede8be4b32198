package metagraph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

// MaxMessagingAttachmentBytes is the Send API upload limit for Messenger
// and Instagram.
const MaxMessagingAttachmentBytes int64 = 25 * 1024 * 1024

// MessagingTarget addresses one Send API call.
type MessagingTarget struct {
	Graph settings.GraphSettings
	Token string
	// Node is the page or account node that owns /messages and
	// /message_attachments ("me" for a page token).
	Node        string
	RecipientID string
}

type messagingResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// SendMessaging delivers req through the Messenger-style Send API: at
// most one attachment, uploaded first, followed by the text.
func (c *Client) SendMessaging(ctx context.Context, target MessagingTarget, policy Policy, req channel.OutboundRequest) (channel.SendResult, error) {
	const op = "metagraph.send_messaging"
	if strings.TrimSpace(target.RecipientID) == "" {
		return channel.SendResult{}, channel.Errorf(channel.KindRecipientNotFound, op, "conversation %s has no recipient id", req.Conversation.ID)
	}
	if len(req.Attachments) > 1 {
		return channel.SendResult{}, channel.Errorf(channel.KindMalformedEvent, op, "only one attachment per message is supported, got %d", len(req.Attachments))
	}
	text := strings.TrimSpace(req.Content)
	if text == "" && len(req.Attachments) == 0 {
		return channel.SendResult{}, channel.Errorf(channel.KindMalformedEvent, op, "nothing to send")
	}
	parts := channel.NewParts(req.Metadata)
	for i, att := range req.Attachments {
		if err := checkSize(att); err != nil {
			return channel.SendResult{}, err
		}
		err := parts.Do(fmt.Sprintf("attachment:%d", i), func() (string, error) {
			attachmentID, err := c.uploadAttachment(ctx, target, att)
			if err != nil {
				return "", err
			}
			return c.postMessaging(ctx, target, policy, map[string]any{
				"attachment": map[string]any{
					"type":    attachmentType(att),
					"payload": map[string]any{"attachment_id": attachmentID},
				},
			})
		})
		if err != nil {
			return channel.SendResult{}, parts.Fail(err)
		}
	}
	if text != "" {
		err := parts.Do("text", func() (string, error) {
			return c.postMessaging(ctx, target, policy, map[string]any{"text": text})
		})
		if err != nil {
			return channel.SendResult{}, parts.Fail(err)
		}
	}
	ids := parts.IDs()
	meta := map[string]any{"provider_message_ids": ids, "recipient_id": target.RecipientID}
	for k, v := range policy.Metadata() {
		meta[k] = v
	}
	return channel.SendResult{ProviderMessageID: ids[0], Metadata: meta}, nil
}

func (c *Client) postMessaging(ctx context.Context, target MessagingTarget, policy Policy, message map[string]any) (string, error) {
	payload := map[string]any{
		"recipient":      map[string]string{"id": target.RecipientID},
		"messaging_type": policy.MessagingType(),
		"message":        message,
	}
	if policy.Tagged {
		payload["tag"] = TagHumanAgent
	}
	var out messagingResponse
	if err := c.PostJSON(ctx, target.Token, Endpoint(target.Graph, target.Node, "messages"), payload, &out); err != nil {
		return "", err
	}
	if out.MessageID == "" {
		return "", channel.Errorf(channel.KindTransportUnavailable, "metagraph.send_messaging", "response carried no message id")
	}
	return out.MessageID, nil
}

func (c *Client) uploadAttachment(ctx context.Context, target MessagingTarget, att channel.OutboundAttachment) (string, error) {
	message, err := json.Marshal(map[string]any{
		"attachment": map[string]any{
			"type":    attachmentType(att),
			"payload": map[string]any{"is_reusable": true},
		},
	})
	if err != nil {
		return "", channel.NewError(channel.KindMalformedEvent, "metagraph.upload", err)
	}
	var out struct {
		AttachmentID string `json:"attachment_id"`
	}
	endpoint := Endpoint(target.Graph, target.Node, "message_attachments")
	if err := c.Upload(ctx, target.Token, endpoint, map[string]string{"message": string(message)}, "filedata", att.Path, att.Mime, &out); err != nil {
		return "", err
	}
	if out.AttachmentID == "" {
		return "", channel.Errorf(channel.KindTransportUnavailable, "metagraph.upload", "upload returned no attachment_id")
	}
	return out.AttachmentID, nil
}

func checkSize(att channel.OutboundAttachment) error {
	size := att.Size
	if info, err := os.Stat(att.Path); err == nil {
		size = info.Size()
	}
	if size > MaxMessagingAttachmentBytes {
		return channel.Errorf(channel.KindAttachmentTooLarge, "metagraph.send_messaging",
			"%s is %d bytes, limit is %d", att.Name, size, MaxMessagingAttachmentBytes)
	}
	return nil
}

func attachmentType(att channel.OutboundAttachment) string {
	fileType := att.FileType
	if fileType == "" {
		fileType = channel.FileTypeFromMime(att.Mime)
	}
	switch fileType {
	case "image", "video", "audio":
		return fileType
	default:
		return "file"
	}
}
