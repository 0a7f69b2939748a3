// Package otelzerolog mirrors the origin server's zerolog output to an
// OpenTelemetry collector, so log lines reach the same backend as traces and
// metrics.
package otelzerolog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OtelWriter forwards every zerolog line to an OTLP collector. It implements
// zerolog.LevelWriter.
type OtelWriter struct {
	logger      log.Logger
	serviceName string
	logExporter *otlploggrpc.Exporter
}

// NewOtelWriter returns a writer exporting log records to the collector at
// endpoint over insecure gRPC.
func NewOtelWriter(ctx context.Context, endpoint, serviceName string) (*OtelWriter, error) {
	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	return &OtelWriter{
		logger:      loggerProvider.Logger(serviceName),
		serviceName: serviceName,
		logExporter: logExporter,
	}, nil
}

// Write implements io.Writer. The line must be a JSON object, which is what
// zerolog emits when no console writer is in front of us.
func (w *OtelWriter) Write(p []byte) (n int, err error) {
	var line map[string]any
	if err := json.Unmarshal(p, &line); err != nil {
		return 0, err
	}

	var rec log.Record

	if levelStr, ok := line["level"].(string); ok {
		level := zerolog.InfoLevel
		if l, err := zerolog.ParseLevel(levelStr); err == nil {
			level = l
		}

		rec.SetSeverity(convertLevel(level))
		rec.SetSeverityText(level.String())

		delete(line, "level")
	}

	if msg, ok := line["message"].(string); ok {
		rec.SetBody(log.StringValue(msg))

		delete(line, "message")
	}

	rec.AddAttributes(mapAttrs(line)...)

	w.logger.Emit(context.Background(), rec)

	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (w *OtelWriter) WriteLevel(_ zerolog.Level, p []byte) (n int, err error) {
	return w.Write(p)
}

// Close shuts down the underlying exporter.
func (w *OtelWriter) Close(ctx context.Context) error {
	return w.logExporter.Shutdown(ctx)
}

func convertLevel(level zerolog.Level) log.Severity {
	switch level {
	case zerolog.TraceLevel:
		return log.SeverityTrace
	case zerolog.DebugLevel:
		return log.SeverityDebug
	case zerolog.InfoLevel:
		return log.SeverityInfo
	case zerolog.WarnLevel:
		return log.SeverityWarn
	case zerolog.ErrorLevel:
		return log.SeverityError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return log.SeverityFatal
	case zerolog.NoLevel, zerolog.Disabled:
		return log.SeverityInfo
	default:
		return log.SeverityInfo
	}
}

// mapAttrs converts one decoded JSON object into log attributes. JSON only
// produces bool, float64, string, slice and map values; anything else is
// rendered as a string.
func mapAttrs(m map[string]any) []log.KeyValue {
	kvs := make([]log.KeyValue, 0, len(m))

	for k, v := range m {
		switch val := v.(type) {
		case bool:
			kvs = append(kvs, log.Bool(k, val))
		case float64:
			if ival := int64(val); float64(ival) == val {
				kvs = append(kvs, log.Int64(k, ival))
			} else {
				kvs = append(kvs, log.Float64(k, val))
			}
		case string:
			kvs = append(kvs, log.String(k, val))
		case []any:
			kvs = append(kvs, log.Slice(k, sliceValues(val)...))
		case map[string]any:
			kvs = append(kvs, log.Map(k, mapAttrs(val)...))
		default:
			kvs = append(kvs, log.String(k, fmt.Sprintf("%v", v)))
		}
	}

	return kvs
}

func sliceValues(vals []any) []log.Value {
	vs := make([]log.Value, 0, len(vals))

	for _, v := range vals {
		switch val := v.(type) {
		case bool:
			vs = append(vs, log.BoolValue(val))
		case float64:
			if ival := int64(val); float64(ival) == val {
				vs = append(vs, log.Int64Value(ival))
			} else {
				vs = append(vs, log.Float64Value(val))
			}
		case string:
			vs = append(vs, log.StringValue(val))
		case map[string]any:
			vs = append(vs, log.MapValue(mapAttrs(val)...))
		case []any:
			vs = append(vs, log.SliceValue(sliceValues(val)...))
		default:
			vs = append(vs, log.StringValue(fmt.Sprintf("%v", v)))
		}
	}

	return vs
}
