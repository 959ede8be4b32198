package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

const (
	requestTimeout = 30 * time.Second
	maxReplyBytes  = 1 << 20
)

// ContextMessage is one prior message sent to the RAG service.
type ContextMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Query is the body posted to the RAG endpoint.
type Query struct {
	Message        string           `json:"message"`
	ConversationID string           `json:"conversation_id"`
	Platform       string           `json:"platform"`
	Context        []ContextMessage `json:"context"`
}

type answer struct {
	Reply  string `json:"reply"`
	Answer string `json:"answer"`
	Text   string `json:"text"`
}

func (a answer) text() string {
	for _, v := range []string{a.Reply, a.Answer, a.Text} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Client calls the RAG service.
type Client struct {
	base   *http.Client
	logger *slog.Logger
}

// NewClient creates a RAG client. A nil base uses a client with a 30s timeout.
func NewClient(log *slog.Logger, base *http.Client) *Client {
	if log == nil {
		log = slog.Default()
	}
	if base == nil {
		base = &http.Client{Timeout: requestTimeout}
	}
	return &Client{base: base, logger: log.With(slog.String("component", "rag"))}
}

// Ask posts q to endpoint with apiKey as bearer token and returns the reply text.
func (c *Client) Ask(ctx context.Context, endpoint, apiKey string, q Query) (string, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", channel.NewError(channel.KindConfigurationMissing, "rag.ask", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient(ctx, apiKey).Do(req)
	if err != nil {
		return "", channel.NewError(channel.KindTransportUnavailable, "rag.ask", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", channel.NewError(channel.KindTransportUnavailable, "rag.ask", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", channel.Errorf(channel.KindProviderRateLimited, "rag.ask", "status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", channel.Errorf(channel.KindTransportUnavailable, "rag.ask", "status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var out answer
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode rag reply: %w", err)
	}
	text := out.text()
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func (c *Client) httpClient(ctx context.Context, apiKey string) *http.Client {
	if apiKey == "" {
		return c.base
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"}))
	client.Timeout = c.base.Timeout
	return client
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
