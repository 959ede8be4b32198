package logger

import (
	"context"
	"log/slog"
	"regexp"
)

var (
	// Telegram bot tokens appear in Bot API and file download URLs.
	botTokenPattern = regexp.MustCompile(`\bbot\d+:[A-Za-z0-9_-]{20,}`)
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`)
)

// Mask redacts credentials that commonly leak through URLs and error strings.
func Mask(text string) string {
	text = botTokenPattern.ReplaceAllString(text, "bot***")
	return bearerPattern.ReplaceAllString(text, "Bearer ***")
}

// MaskingHandler wraps a slog.Handler and redacts secrets from the message
// and from string or error attribute values.
type MaskingHandler struct {
	handler slog.Handler
}

func NewMaskingHandler(handler slog.Handler) *MaskingHandler {
	return &MaskingHandler{handler: handler}
}

func (h *MaskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *MaskingHandler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, Mask(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(maskAttr(a))
		return true
	})
	return h.handler.Handle(ctx, masked)
}

func (h *MaskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		masked[i] = maskAttr(attr)
	}
	return &MaskingHandler{handler: h.handler.WithAttrs(masked)}
}

func (h *MaskingHandler) WithGroup(name string) slog.Handler {
	return &MaskingHandler{handler: h.handler.WithGroup(name)}
}

func maskAttr(attr slog.Attr) slog.Attr {
	return slog.Attr{Key: attr.Key, Value: maskValue(attr.Value)}
}

func maskValue(value slog.Value) slog.Value {
	switch value.Kind() {
	case slog.KindString:
		return slog.StringValue(Mask(value.String()))
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return slog.StringValue(Mask(err.Error()))
		}
		return value
	case slog.KindGroup:
		group := value.Group()
		masked := make([]slog.Attr, len(group))
		for i, attr := range group {
			masked[i] = maskAttr(attr)
		}
		return slog.GroupValue(masked...)
	default:
		return value
	}
}
