package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cateringcrm/omnichannel/internal/auth"
	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/message"
	"github.com/cateringcrm/omnichannel/internal/outbound"
)

// SendService accepts outbound send requests.
type SendService interface {
	Send(ctx context.Context, req outbound.SendRequest) (message.Message, error)
}

// ConversationService is the conversation surface used by operators.
type ConversationService interface {
	Inbox(ctx context.Context, query conversation.InboxQuery) (conversation.InboxPage, error)
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	Assign(ctx context.Context, id, operator, clientRef string) (conversation.Conversation, error)
}

// MessageLister pages through a conversation's history.
type MessageLister interface {
	List(ctx context.Context, conversationID string, before time.Time, limit int) ([]message.Message, error)
}

// CommunicationsHandler serves the operator messaging API.
type CommunicationsHandler struct {
	sender        SendService
	conversations ConversationService
	messages      MessageLister
	logger        *slog.Logger
}

// NewCommunicationsHandler creates a CommunicationsHandler.
func NewCommunicationsHandler(log *slog.Logger, sender SendService, conversations ConversationService, messages MessageLister) *CommunicationsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CommunicationsHandler{
		sender:        sender,
		conversations: conversations,
		messages:      messages,
		logger:        log.With(slog.String("handler", "communications")),
	}
}

// Register registers the operator routes.
func (h *CommunicationsHandler) Register(e *echo.Echo) {
	g := e.Group("/communications")
	g.POST("/send", h.Send)
	g.GET("/inbox", h.Inbox)
	g.GET("/conversations/:id", h.GetConversation)
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.POST("/conversations/:id/assign", h.Assign)
}

// SendResponse is returned after a message is queued.
type SendResponse struct {
	MessageID string          `json:"message_id"`
	Status    message.Status  `json:"status"`
	Message   message.Message `json:"message"`
}

// Send godoc
// @Summary Queue an outbound message
// @Tags communications
// @Param payload body outbound.SendRequest true "Message"
// @Success 202 {object} SendResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Router /communications/send [post]
func (h *CommunicationsHandler) Send(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req outbound.SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	if _, ok := req.Metadata["sent_by"]; !ok {
		req.Metadata["sent_by"] = userID
	}
	msg, err := h.sender.Send(c.Request().Context(), req)
	if err != nil {
		herr := httpError(err)
		if herr.Code >= http.StatusInternalServerError {
			h.logger.Error("send failed", slog.Any("error", err))
		}
		return herr
	}
	return c.JSON(http.StatusAccepted, SendResponse{MessageID: msg.ID, Status: msg.Status, Message: msg})
}

// Inbox godoc
// @Summary List conversations, newest activity first
// @Tags communications
// @Param platform query string false "Platform filter"
// @Param include_archived query bool false "Include archived conversations"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} conversation.InboxPage
// @Router /communications/inbox [get]
func (h *CommunicationsHandler) Inbox(c echo.Context) error {
	query := conversation.InboxQuery{}
	if raw := strings.TrimSpace(c.QueryParam("platform")); raw != "" {
		platform, ok := channel.ParsePlatform(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown platform")
		}
		query.Platform = platform
	}
	if raw := c.QueryParam("include_archived"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "include_archived must be a boolean")
		}
		query.IncludeArchived = v
	}
	var err error
	if query.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if query.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}
	page, err := h.conversations.Inbox(c.Request().Context(), query)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// GetConversation returns one conversation.
func (h *CommunicationsHandler) GetConversation(c echo.Context) error {
	conv, err := h.conversations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

// ListMessages godoc
// @Summary List messages of a conversation, oldest first
// @Tags communications
// @Param id path string true "Conversation ID"
// @Param before query string false "RFC3339 cursor"
// @Param limit query int false "Page size"
// @Success 200 {object} map[string][]message.Message
// @Router /communications/conversations/{id}/messages [get]
func (h *CommunicationsHandler) ListMessages(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.conversations.Get(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	var before time.Time
	if raw := strings.TrimSpace(c.QueryParam("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC3339")
		}
		before = t
	}
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	items, err := h.messages.List(c.Request().Context(), id, before, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// AssignRequest links a conversation to an operator and a CRM client.
type AssignRequest struct {
	OperatorRef string `json:"operator_ref"`
	ClientRef   string `json:"client_ref"`
}

// Assign sets the assigned operator (default: the caller) and client reference.
func (h *CommunicationsHandler) Assign(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	operator := strings.TrimSpace(req.OperatorRef)
	if operator == "" {
		operator = userID
	}
	conv, err := h.conversations.Assign(c.Request().Context(), c.Param("id"), operator, strings.TrimSpace(req.ClientRef))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func intParam(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return v, nil
}
