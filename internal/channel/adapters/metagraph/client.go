package metagraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const (
	defaultTimeout = 30 * time.Second
	// DefaultRate is the per-adapter send budget against the Graph API.
	DefaultRate  = rate.Limit(20)
	defaultBurst = 20
)

// GraphError is the error envelope returned by the Graph API.
type GraphError struct {
	Status    int    `json:"-"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api %d: code=%d subcode=%d: %s", e.Status, e.Code, e.Subcode, e.Message)
}

// Client performs bearer-authenticated Graph API calls.
type Client struct {
	base    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Graph client. base may be nil.
func NewClient(log *slog.Logger, base *http.Client) *Client {
	if log == nil {
		log = slog.Default()
	}
	if base == nil {
		base = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		base:    base,
		limiter: rate.NewLimiter(DefaultRate, defaultBurst),
		logger:  log.With(slog.String("component", "metagraph")),
	}
}

// SetLimit replaces the send rate limit.
func (c *Client) SetLimit(limit rate.Limit, burst int) {
	c.limiter.SetLimit(limit)
	c.limiter.SetBurst(burst)
}

// Endpoint joins the Graph base URL, API version and path parts.
func Endpoint(s settings.GraphSettings, parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(strings.Trim(part, "/")))
	}
	return s.GraphURL + "/" + s.APIVersion + "/" + strings.Join(escaped, "/")
}

// AuthHeader returns the header used for downloads from Meta CDNs.
func AuthHeader(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func (c *Client) httpClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	client.Timeout = c.base.Timeout
	return client
}

// Get performs a GET and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, token, endpoint string, query url.Values, out any) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, "metagraph.get", err)
	}
	return c.do(ctx, token, req, out)
}

// PostJSON sends payload as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, token, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, "metagraph.post", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, "metagraph.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, token, req, out)
}

// Upload posts a multipart form with the file at path under fileField.
func (c *Client) Upload(ctx context.Context, token, endpoint string, fields map[string]string, fileField, path, mimeType string, out any) error {
	const op = "metagraph.upload"
	f, err := os.Open(path)
	if err != nil {
		return channel.NewError(channel.KindMediaDownloadFailed, op, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return channel.NewError(channel.KindMalformedEvent, op, err)
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, filepath.Base(path)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, op, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return channel.NewError(channel.KindMediaDownloadFailed, op, err)
	}
	if err := w.Close(); err != nil {
		return channel.NewError(channel.KindMalformedEvent, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, op, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(ctx, token, req, out)
}

func (c *Client) do(ctx context.Context, token string, req *http.Request, out any) error {
	op := "metagraph." + strings.ToLower(req.Method)
	if strings.TrimSpace(token) == "" {
		return channel.Errorf(channel.KindConfigurationMissing, op, "access token is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return channel.NewError(channel.KindProviderRateLimited, op, err)
	}
	resp, err := c.httpClient(ctx, token).Do(req)
	if err != nil {
		return channel.NewError(channel.KindTransportUnavailable, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.NewError(channel.KindTransportUnavailable, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		graphErr := parseGraphError(resp.StatusCode, body)
		c.logger.Warn("graph api call failed",
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.Int("code", graphErr.Code),
			slog.String("message", graphErr.Message),
		)
		return channel.NewError(Classify(graphErr), op, graphErr)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return channel.NewError(channel.KindMalformedEvent, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func parseGraphError(status int, body []byte) *GraphError {
	var envelope struct {
		Error *GraphError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = status
		return envelope.Error
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &GraphError{Status: status, Message: msg}
}

// Classify maps a Graph API failure onto an error kind.
func Classify(err *GraphError) channel.Kind {
	switch {
	case err.Status == http.StatusTooManyRequests,
		err.Code == 4, err.Code == 17, err.Code == 32, err.Code == 613, err.Code == 80007, err.Code == 130429:
		return channel.KindProviderRateLimited
	case err.Code == 10 && err.Subcode == 2018278, err.Code == 131047:
		return channel.KindPolicyWindowExpired
	case err.Code == 551, err.Code == 131026, err.Subcode == 2018001, err.Subcode == 2534014:
		return channel.KindRecipientNotFound
	case err.Code == 190, err.Status == http.StatusUnauthorized:
		return channel.KindConfigurationMissing
	case err.Status >= 500:
		return channel.KindTransportUnavailable
	case err.Status == http.StatusRequestEntityTooLarge:
		return channel.KindAttachmentTooLarge
	default:
		return channel.KindMalformedEvent
	}
}

// AsGraphError extracts the Graph error from err, if any.
func AsGraphError(err error) (*GraphError, bool) {
	var graphErr *GraphError
	if errors.As(err, &graphErr) {
		return graphErr, true
	}
	return nil, false
}
