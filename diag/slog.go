package diag

import (
	"context"
	"log/slog"
)

// LogSink writes events to a slog.Logger. Failed events are logged at warn level,
// everything else at debug.
type LogSink struct {
	Logger *slog.Logger
}

func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{Logger: l}
}

func (s *LogSink) Emit(e Event) {
	attrs := []slog.Attr{
		slog.String("direction", string(e.Direction)),
		slog.String("kind", e.Kind),
		slog.Bool("success", e.Success),
		slog.Int("size", e.PayloadSize),
	}
	if e.Source != "" {
		attrs = append(attrs, slog.String("source", e.Source))
	}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", e.Target))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.Radio != nil {
		attrs = append(attrs,
			slog.Int("rssi", e.Radio.RSSI),
			slog.Float64("snr", e.Radio.SNR),
			slog.Int("sf", e.Radio.SpreadingFactor),
		)
	}
	if e.HasRTT {
		attrs = append(attrs, slog.Duration("rtt", e.RoundTrip))
	}
	if e.SessionID != "" {
		attrs = append(attrs, slog.String("session", e.SessionID))
	}
	if e.Transport != "" {
		attrs = append(attrs, slog.String("transport", e.Transport))
	}

	level := slog.LevelDebug
	if !e.Success {
		level = slog.LevelWarn
	}
	s.Logger.LogAttrs(context.Background(), level, "Relay event", attrs...)
}
