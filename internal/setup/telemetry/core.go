package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

// Core implements zapcore.Core to forward error logs to OpenTelemetry.
type Core struct {
	zapcore.LevelEnabler
	tracer trace.Tracer
	fields []zapcore.Field
}

// NewCore creates a new core that forwards logs to OpenTelemetry.
func NewCore(enab zapcore.LevelEnabler, serviceName string) zapcore.Core {
	return &Core{
		LevelEnabler: enab,
		tracer:       otel.Tracer(serviceName + "/logs"),
	}
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if ent.Level < zapcore.ErrorLevel {
		return nil
	}

	_, span := c.tracer.Start(context.Background(), "error."+errorCategory(ent))
	defer span.End()

	enc := zapcore.NewMapObjectEncoder()
	for _, field := range c.fields {
		field.AddTo(enc)
	}
	for _, field := range fields {
		field.AddTo(enc)
	}

	attrs := []attribute.KeyValue{
		attribute.String("log.message", ent.Message),
		attribute.String("log.level", ent.Level.String()),
		attribute.String("log.logger", ent.LoggerName),
		attribute.String("code.caller", ent.Caller.TrimmedPath()),
	}
	for key, value := range enc.Fields {
		attrs = append(attrs, attribute.String("log.field."+key, stringify(value)))
	}

	span.SetAttributes(attrs...)
	span.SetStatus(codes.Error, ent.Message)
	return nil
}

func (c *Core) Sync() error {
	return nil
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	if err, ok := value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(value)
}

// errorCategory groups errors by the component that logged them.
func errorCategory(ent zapcore.Entry) string {
	switch {
	case strings.Contains(ent.Caller.Function, "database"):
		return "database"
	case strings.Contains(ent.Caller.Function, "redis"), strings.Contains(ent.Caller.Function, "ephemeral"):
		return "ephemeral"
	case strings.Contains(ent.Caller.Function, "broadcast"), strings.Contains(ent.Caller.Function, "notifier"):
		return "broadcast"
	case strings.Contains(ent.Caller.Function, "ingest"):
		return "ingest"
	case strings.Contains(ent.Caller.Function, "friend"):
		return "friend"
	case strings.Contains(ent.Caller.Function, "worker"):
		return "worker"
	default:
		return "application"
	}
}
