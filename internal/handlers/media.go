package handlers

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// FileOpener streams stored attachments.
type FileOpener interface {
	Open(ctx context.Context, filePath string) (io.ReadCloser, string, error)
}

// MediaHandler serves stored attachments under /media/.
type MediaHandler struct {
	files  FileOpener
	logger *slog.Logger
}

// NewMediaHandler creates a MediaHandler.
func NewMediaHandler(log *slog.Logger, files FileOpener) *MediaHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaHandler{files: files, logger: log.With(slog.String("handler", "media"))}
}

// Register registers the media route.
func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET("/media/*", h.Serve)
}

// Serve godoc
// @Summary Stream a stored attachment
// @Tags media
// @Param path path string true "Stored file path, e.g. attachments/<uuid>.pdf"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /media/{path} [get]
func (h *MediaHandler) Serve(c echo.Context) error {
	filePath := strings.TrimPrefix(c.Param("*"), "/")
	if filePath == "" || strings.Contains(filePath, "..") {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	reader, contentType, err := h.files.Open(c.Request().Context(), filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		h.logger.Warn("open media failed", slog.String("path", filePath), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	defer reader.Close()
	c.Response().Header().Set("Cache-Control", "private, max-age=86400")
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	return c.Stream(http.StatusOK, contentType, reader)
}
