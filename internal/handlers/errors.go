package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cateringcrm/omnichannel/internal/ai"
	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/inbound"
	"github.com/cateringcrm/omnichannel/internal/message"
	"github.com/cateringcrm/omnichannel/internal/outbound"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

// ErrorResponse is the JSON body echo renders for HTTP errors.
type ErrorResponse struct {
	Message string `json:"message"`
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, channel.ErrSignatureInvalid), errors.Is(err, ai.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, inbound.ErrUnknownWebhook),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, message.ErrNotFound),
		errors.Is(err, settings.ErrUnknownKey):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, outbound.ErrInvalidRequest),
		errors.Is(err, conversation.ErrInvalidID),
		errors.Is(err, conversation.ErrInvalidInput),
		errors.Is(err, message.ErrInvalidID),
		errors.Is(err, settings.ErrInvalid),
		errors.Is(err, ai.ErrInvalidCallback):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, channel.ErrAttachmentTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, channel.ErrConfigurationMissing):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
