package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/inbound"
)

const maxWebhookBody = 10 << 20

// WebhookProcessor verifies and stores one webhook delivery.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, key string, req channel.WebhookRequest) error
}

// WebhookHandler terminates provider webhooks.
type WebhookHandler struct {
	processor WebhookProcessor
	registry  *channel.Registry
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(log *slog.Logger, processor WebhookProcessor, registry *channel.Registry) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		processor: processor,
		registry:  registry,
		logger:    log.With(slog.String("handler", "webhook")),
	}
}

// Register registers the webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	g := e.Group("/communications/webhook")
	g.POST("/:platform", h.Receive)
	g.GET("/:platform/verify", h.Verify)
	// Meta sends the handshake to the callback URL itself.
	g.GET("/:platform", h.Verify)
}

// Receive godoc
// @Summary Receive a provider webhook
// @Tags webhook
// @Param platform path string true "Platform tag or adapter name"
// @Success 200 {object} map[string]string
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /communications/webhook/{platform} [post]
func (h *WebhookHandler) Receive(c echo.Context) error {
	key := strings.TrimSpace(c.Param("platform"))
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	headers := make(map[string]string, len(c.Request().Header))
	for name, values := range c.Request().Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	req := channel.WebhookRequest{
		Body:      body,
		Signature: c.Request().Header.Get("X-Hub-Signature-256"),
		Headers:   headers,
	}
	if err := h.processor.HandleWebhook(c.Request().Context(), key, req); err != nil {
		herr := httpError(err)
		if herr.Code >= http.StatusInternalServerError {
			h.logger.Error("webhook processing failed", slog.String("platform", key), slog.Any("error", err))
		}
		return herr
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Verify godoc
// @Summary Answer the Meta subscription handshake
// @Tags webhook
// @Param platform path string true "Platform tag or adapter name"
// @Param hub.mode query string true "subscribe"
// @Param hub.verify_token query string true "Configured verify token"
// @Param hub.challenge query string true "Challenge to echo"
// @Success 200 {string} string
// @Failure 403 {object} ErrorResponse
// @Router /communications/webhook/{platform}/verify [get]
func (h *WebhookHandler) Verify(c echo.Context) error {
	key := strings.TrimSpace(c.Param("platform"))
	adapter, ok := h.registry.Webhook(key)
	if !ok {
		return httpError(inbound.ErrUnknownWebhook)
	}
	verifier, ok := adapter.(channel.HandshakeVerifier)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "platform has no handshake")
	}
	challenge, err := verifier.VerifyHandshake(
		c.Request().Context(),
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
	)
	if err != nil {
		h.logger.Warn("webhook handshake rejected", slog.String("platform", key), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}
