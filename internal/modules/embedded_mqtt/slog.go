package embeddedmqtt

import (
	"context"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapHandler feeds the broker's slog output into the daemon's zap logger.
type zapHandler struct {
	log *zap.Logger
}

func newZapHandler(log *zap.Logger) *zapHandler {
	return &zapHandler{log: log}
}

func (h *zapHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.Core().Enabled(zapLevel(level))
}

func (h *zapHandler) Handle(_ context.Context, record slog.Record) error {
	ce := h.log.Check(zapLevel(record.Level), record.Message)
	if ce == nil {
		return nil
	}
	fields := make([]zap.Field, 0, record.NumAttrs())
	record.Attrs(func(attr slog.Attr) bool {
		fields = append(fields, attrField(attr))
		return true
	})
	ce.Write(fields...)
	return nil
}

func (h *zapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		fields = append(fields, attrField(attr))
	}
	return &zapHandler{log: h.log.With(fields...)}
}

func (h *zapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &zapHandler{log: h.log.With(zap.Namespace(name))}
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func attrField(attr slog.Attr) zap.Field {
	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return zap.String(attr.Key, v.String())
	case slog.KindInt64:
		return zap.Int64(attr.Key, v.Int64())
	case slog.KindUint64:
		return zap.Uint64(attr.Key, v.Uint64())
	case slog.KindFloat64:
		return zap.Float64(attr.Key, v.Float64())
	case slog.KindBool:
		return zap.Bool(attr.Key, v.Bool())
	case slog.KindDuration:
		return zap.Duration(attr.Key, v.Duration())
	case slog.KindTime:
		return zap.Time(attr.Key, v.Time())
	case slog.KindGroup:
		group := v.Group()
		fields := make([]zap.Field, 0, len(group))
		for _, a := range group {
			fields = append(fields, attrField(a))
		}
		return zap.Dict(attr.Key, fields...)
	}
	if err, ok := v.Any().(error); ok {
		return zap.NamedError(attr.Key, err)
	}
	return zap.Any(attr.Key, v.Any())
}
