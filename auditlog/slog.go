package auditlog

import (
	"context"
	"log/slog"
	"time"
)

// SlogSink writes each event as a structured "audit" log line.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging through logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Record(ctx context.Context, evt Event) error {
	attrs := []slog.Attr{
		slog.String("event", string(evt.Action)),
		slog.String("event_id", evt.ID),
		slog.String("owner", evt.Owner),
		slog.String("timestamp", evt.At.UTC().Format(time.RFC3339)),
	}
	if evt.RecordID != "" {
		attrs = append(attrs, slog.String("record_id", evt.RecordID))
	}
	if evt.Reason != "" {
		attrs = append(attrs, slog.String("reason", evt.Reason))
	}
	if evt.OldVersion != 0 {
		attrs = append(attrs, slog.Int("old_version", evt.OldVersion))
	}
	if evt.NewVersion != 0 {
		attrs = append(attrs, slog.Int("new_version", evt.NewVersion))
	}
	if evt.Fingerprint != "" {
		attrs = append(attrs, slog.String("fingerprint", evt.Fingerprint))
	}
	if evt.InitiatedBy != "" {
		attrs = append(attrs, slog.String("initiated_by", evt.InitiatedBy))
	}

	level := slog.LevelInfo
	if evt.Error != "" {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", evt.Error))
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}
