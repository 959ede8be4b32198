package email

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

// maxPartBytes bounds a single MIME part held in memory.
const maxPartBytes = 50 << 20

// Parsed is a decoded RFC 5322 message.
type Parsed struct {
	MessageID   string
	InReplyTo   []string
	From        string
	FromName    string
	To          []string
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []channel.PendingAttachment
}

// Parse decodes headers (RFC 2047 words included) and walks the MIME tree.
// Unknown charsets are tolerated; the raw bytes are kept for those parts.
func Parse(raw []byte) (*Parsed, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer r.Close()

	p := &Parsed{}
	if from, err := r.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.From = strings.ToLower(strings.TrimSpace(from[0].Address))
		p.FromName = from[0].Name
	}
	if to, err := r.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			p.To = append(p.To, strings.ToLower(strings.TrimSpace(addr.Address)))
		}
	}
	if subject, err := r.Header.Subject(); err == nil || subject != "" {
		p.Subject = strings.TrimSpace(subject)
	}
	if date, err := r.Header.Date(); err == nil {
		p.Date = date.UTC()
	}
	p.MessageID, _ = r.Header.MessageID()
	p.InReplyTo, _ = r.Header.MsgIDList("In-Reply-To")
	if p.MessageID == "" {
		sum := sha256.Sum256(raw)
		p.MessageID = "sha256-" + hex.EncodeToString(sum[:16])
	}

	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return p, fmt.Errorf("read part: %w", err)
		}
		data, readErr := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if readErr != nil {
			return p, fmt.Errorf("read part body: %w", readErr)
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case contentType == "text/plain" && p.Text == "":
				p.Text = string(data)
			case contentType == "text/html" && p.HTML == "":
				p.HTML = string(data)
			case !strings.HasPrefix(contentType, "text/"):
				name := ""
				if _, params, err := h.ContentDisposition(); err == nil {
					name = params["filename"]
				}
				p.Attachments = append(p.Attachments, inlineAttachment(data, contentType, name))
			}
		case *mail.AttachmentHeader:
			contentType, _, _ := h.ContentType()
			name, _ := h.Filename()
			p.Attachments = append(p.Attachments, inlineAttachment(data, contentType, name))
		}
	}
	return p, nil
}

func inlineAttachment(data []byte, contentType, name string) channel.PendingAttachment {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return channel.PendingAttachment{
		Ref:  "inline:" + name,
		Mime: contentType,
		Name: name,
		Size: int64(len(data)),
		Data: data,
	}
}

// Body picks text/plain when present, else sanitized HTML. The returned
// html is empty for plain-text mail.
func (p *Parsed) Body() (text string, html string) {
	if strings.TrimSpace(p.HTML) != "" {
		clean, plain := SanitizeHTML(p.HTML)
		if strings.TrimSpace(p.Text) != "" {
			return normalizeText(p.Text), clean
		}
		return plain, clean
	}
	return normalizeText(p.Text), ""
}
