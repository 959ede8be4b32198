package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cateringcrm/omnichannel/internal/healthcheck"
)

// HealthReporter evaluates runtime checks.
type HealthReporter interface {
	Report(ctx context.Context) healthcheck.Report
}

type PingHandler struct {
	health HealthReporter
	logger *slog.Logger
}

func NewPingHandler(log *slog.Logger, health HealthReporter) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{health: health, logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health returns the listener and database checks. Errors answer 503.
func (h *PingHandler) Health(c echo.Context) error {
	if h.health == nil {
		return c.JSON(http.StatusOK, healthcheck.Report{Status: healthcheck.StatusOK, Checks: []healthcheck.Check{}})
	}
	report := h.health.Report(c.Request().Context())
	status := http.StatusOK
	if report.Status == healthcheck.StatusError {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}
