package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

const maxResponseBytes = 8 << 20

// Error is the Matrix client-server error envelope.
type Error struct {
	Status       int    `json:"-"`
	ErrCode      string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix %d %s: %s", e.Status, e.ErrCode, e.Message)
}

// Classify maps a homeserver failure onto an error kind.
func Classify(err *Error) channel.Kind {
	switch {
	case err.Status == http.StatusTooManyRequests || err.ErrCode == "M_LIMIT_EXCEEDED":
		return channel.KindProviderRateLimited
	case err.Status == http.StatusUnauthorized || err.ErrCode == "M_UNKNOWN_TOKEN" || err.ErrCode == "M_MISSING_TOKEN":
		return channel.KindConfigurationMissing
	case err.Status == http.StatusRequestEntityTooLarge || err.ErrCode == "M_TOO_LARGE":
		return channel.KindAttachmentTooLarge
	case err.Status >= 500:
		return channel.KindTransportUnavailable
	case err.Status == http.StatusForbidden || err.Status == http.StatusNotFound:
		return channel.KindRecipientNotFound
	default:
		return channel.KindMalformedEvent
	}
}

// client is a minimal bearer-authenticated client-server API caller.
type client struct {
	base   *http.Client
	logger *slog.Logger
}

func newClient(log *slog.Logger, base *http.Client) *client {
	if base == nil {
		base = &http.Client{Timeout: 90 * time.Second}
	}
	return &client{base: base, logger: log}
}

func (c *client) httpClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	hc.Timeout = c.base.Timeout
	return hc
}

func (c *client) getJSON(ctx context.Context, token, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, "matrix.get", err)
	}
	return c.do(ctx, token, req, out)
}

func (c *client) sendJSON(ctx context.Context, token, method, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, "matrix.send", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.NewError(channel.KindMalformedEvent, "matrix.send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, token, req, out)
}

func (c *client) upload(ctx context.Context, token, endpoint, path, mimeType string) (string, error) {
	const op = "matrix.upload"
	f, err := os.Open(path)
	if err != nil {
		return "", channel.NewError(channel.KindMediaDownloadFailed, op, err)
	}
	defer f.Close()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, f)
	if err != nil {
		return "", channel.NewError(channel.KindMalformedEvent, op, err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)
	var out struct {
		ContentURI string `json:"content_uri"`
	}
	if err := c.do(ctx, token, req, &out); err != nil {
		return "", err
	}
	if out.ContentURI == "" {
		return "", channel.Errorf(channel.KindTransportUnavailable, op, "upload returned no content uri")
	}
	return out.ContentURI, nil
}

func (c *client) do(ctx context.Context, token string, req *http.Request, out any) error {
	op := "matrix." + strings.ToLower(req.Method)
	if strings.TrimSpace(token) == "" {
		return channel.Errorf(channel.KindConfigurationMissing, op, "access token is not configured")
	}
	resp, err := c.httpClient(ctx, token).Do(req)
	if err != nil {
		return channel.NewError(channel.KindTransportUnavailable, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return channel.NewError(channel.KindTransportUnavailable, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		mxErr := &Error{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, mxErr); jsonErr != nil || mxErr.ErrCode == "" {
			mxErr.Message = strings.TrimSpace(string(body))
		}
		c.logger.Warn("matrix call failed",
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("errcode", mxErr.ErrCode),
		)
		return channel.NewError(Classify(mxErr), op, mxErr)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return channel.NewError(channel.KindMalformedEvent, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// AsError extracts the homeserver error from err, if any.
func AsError(err error) (*Error, bool) {
	var mxErr *Error
	if errors.As(err, &mxErr) {
		return mxErr, true
	}
	return nil, false
}

func apiURL(homeserver, path string, query url.Values) string {
	out := strings.TrimRight(homeserver, "/") + path
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out
}
