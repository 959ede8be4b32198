package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cateringcrm/omnichannel/internal/auth"
)

const roleAdmin = "admin"

// SocketServer upgrades and serves one operator connection.
type SocketServer interface {
	ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, userID string) error
}

// RealtimeHandler serves the operator WebSocket bus.
type RealtimeHandler struct {
	hub    SocketServer
	logger *slog.Logger
}

// NewRealtimeHandler creates a RealtimeHandler.
func NewRealtimeHandler(log *slog.Logger, hub SocketServer) *RealtimeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RealtimeHandler{hub: hub, logger: log.With(slog.String("handler", "realtime"))}
}

// Register registers the WebSocket route.
func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/communications/ws/:user_id", h.Connect)
}

// Connect upgrades the request for the operator in the path. Browsers pass
// the JWT as ?token=. Operators may only open their own socket; admins may
// open any.
func (h *RealtimeHandler) Connect(c echo.Context) error {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	caller, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	if caller != userID && auth.RoleFromContext(c) != roleAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "cannot subscribe as another operator")
	}
	if err := h.hub.ServeWS(c.Request().Context(), c.Response(), c.Request(), userID); err != nil {
		h.logger.Debug("websocket closed", slog.String("user_id", userID), slog.Any("error", err))
	}
	return nil
}
