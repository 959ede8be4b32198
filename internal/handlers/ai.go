package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cateringcrm/omnichannel/internal/ai"
	"github.com/cateringcrm/omnichannel/internal/message"
)

// RAGTokenHeader carries the shared secret of RAG callbacks.
const RAGTokenHeader = "X-RAG-TOKEN"

// CallbackHandler accepts answers pushed by the RAG service.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, token string, cb ai.Callback) (message.Message, error)
}

// AIHandler serves the RAG callback.
type AIHandler struct {
	callbacks CallbackHandler
	logger    *slog.Logger
}

// NewAIHandler creates an AIHandler.
func NewAIHandler(log *slog.Logger, callbacks CallbackHandler) *AIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AIHandler{callbacks: callbacks, logger: log.With(slog.String("handler", "ai"))}
}

// Register registers the callback route.
func (h *AIHandler) Register(e *echo.Echo) {
	e.POST("/ai/webhook", h.Callback)
}

// Callback godoc
// @Summary Receive a RAG answer
// @Tags ai
// @Param X-RAG-TOKEN header string true "Shared secret"
// @Param payload body ai.Callback true "Answer"
// @Success 202 {object} SendResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /ai/webhook [post]
func (h *AIHandler) Callback(c echo.Context) error {
	var cb ai.Callback
	if err := c.Bind(&cb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := h.callbacks.HandleCallback(c.Request().Context(), c.Request().Header.Get(RAGTokenHeader), cb)
	if err != nil {
		herr := httpError(err)
		if herr.Code == http.StatusForbidden {
			h.logger.Warn("rejected rag callback", slog.String("remote_ip", c.RealIP()))
		}
		return herr
	}
	return c.JSON(http.StatusAccepted, SendResponse{MessageID: msg.ID, Status: msg.Status, Message: msg})
}
