package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tickhost/internal/host"
	"tickhost/internal/invocation"
	logx "tickhost/pkg/logx"
)

const (
	// SpanName names the span opened for each timer invocation.
	SpanName = "function.timer"

	instrumentationName = "tickhost/internal/tracing"
)

// Wrapper opens one span per invocation and tags the invocation logger with
// the trace and span ids.
func Wrapper(tp trace.TracerProvider) host.Wrapper {
	tracer := tp.Tracer(instrumentationName)
	return func(next host.Entry) host.Entry {
		return func(ctx context.Context, inv *invocation.Context) error {
			ctx, span := tracer.Start(ctx, SpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attributes(inv)...),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.IsValid() && inv != nil {
				inv.Log = inv.Log.With(
					logx.String("trace_id", sc.TraceID().String()),
					logx.String("span_id", sc.SpanID().String()),
				)
			}

			err := next(ctx, inv)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}

func attributes(inv *invocation.Context) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("function.runtime", "go")}
	if inv == nil {
		return attrs
	}
	return append(attrs,
		attribute.String("function.name", inv.FunctionName),
		attribute.String("function.invocation_id", inv.InvocationID),
		attribute.String("function.instance_id", inv.InstanceID),
		attribute.Bool("function.past_due", inv.IsPastDue),
		attribute.String("function.scheduled_at", inv.ScheduledAt.UTC().Format(time.RFC3339)),
	)
}
