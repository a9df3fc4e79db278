package sink

import (
	"context"
	"log/slog"

	"tracelog/internal/models"
)

// Console writes records as structured log lines.
type Console struct {
	logger *slog.Logger
}

// NewConsole returns a console sink. A nil logger uses slog.Default.
func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger}
}

// SlogLevel maps a record level onto slog. Fatal maps above error.
func SlogLevel(l models.Level) slog.Level {
	switch l {
	case models.LevelDebug:
		return slog.LevelDebug
	case models.LevelWarn:
		return slog.LevelWarn
	case models.LevelError:
		return slog.LevelError
	case models.LevelFatal:
		return slog.LevelError + 4
	}
	return slog.LevelInfo
}

func (c *Console) WriteEvent(ctx context.Context, e models.TraceEvent) error {
	attrs := []slog.Attr{
		slog.String("trace_id", e.TraceID),
		slog.String("event_id", e.EventID),
		slog.String("component", e.Component),
		slog.String("action", e.Action),
	}
	if len(e.Data) > 0 {
		attrs = append(attrs, slog.Any("data", map[string]interface{}(e.Data)))
	}
	if e.CodeLocation != "" {
		attrs = append(attrs, slog.String("code_location", e.CodeLocation))
	}
	c.logger.LogAttrs(ctx, SlogLevel(e.Level), e.Message, attrs...)
	return nil
}

func (c *Console) WriteLog(ctx context.Context, l models.LogRecord) error {
	attrs := []slog.Attr{slog.String("component", l.Component)}
	for k, v := range map[string]string{
		"trace_id":   l.TraceID,
		"user_id":    l.UserID,
		"session_id": l.SessionID,
		"request_id": l.RequestID,
	} {
		if v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	if l.Error != nil {
		attrs = append(attrs, slog.Group("error",
			slog.String("name", l.Error.Name),
			slog.String("message", l.Error.Message),
		))
	}
	if len(l.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", map[string]interface{}(l.Metadata)))
	}
	c.logger.LogAttrs(ctx, SlogLevel(l.Level), l.Message, attrs...)
	return nil
}

func (c *Console) Close() error { return nil }
