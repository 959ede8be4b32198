package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cateringcrm/omnichannel/internal/auth"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const maxSettingsBody = 64 << 10

// SettingsAdmin reads and writes settings rows.
type SettingsAdmin interface {
	Get(ctx context.Context, key string) (settings.View, error)
	Put(ctx context.Context, key string, raw json.RawMessage) error
}

// SettingsHandler serves the platform settings admin API.
type SettingsHandler struct {
	service SettingsAdmin
	logger  *slog.Logger
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(log *slog.Logger, service SettingsAdmin) *SettingsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SettingsHandler{service: service, logger: log.With(slog.String("handler", "settings"))}
}

// Register registers the settings routes.
func (h *SettingsHandler) Register(e *echo.Echo) {
	g := e.Group("/settings")
	g.GET("/:key", h.Get)
	g.PUT("/:key", h.Put)
}

// Get godoc
// @Summary Read a settings row with secrets masked
// @Tags settings
// @Param key path string true "telegram, whatsapp, matrix, instagram, facebook, email or ai"
// @Success 200 {object} settings.View
// @Failure 404 {object} ErrorResponse
// @Router /settings/{key} [get]
func (h *SettingsHandler) Get(c echo.Context) error {
	view, err := h.service.Get(c.Request().Context(), c.Param("key"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// Put godoc
// @Summary Replace a settings row
// @Tags settings
// @Param key path string true "Settings key"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /settings/{key} [put]
func (h *SettingsHandler) Put(c echo.Context) error {
	if auth.IsService(c) || auth.RoleFromContext(c) != roleAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "admin role required")
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSettingsBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if !json.Valid(raw) {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
	}
	key := c.Param("key")
	if err := h.service.Put(c.Request().Context(), key, raw); err != nil {
		return httpError(err)
	}
	userID, _ := auth.UserIDFromContext(c)
	h.logger.Info("settings replaced", slog.String("key", key), slog.String("user_id", userID))
	return c.NoContent(http.StatusNoContent)
}
