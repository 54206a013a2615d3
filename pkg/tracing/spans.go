package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	SessionIDKey  = attribute.Key("call.session_id")
	RoomRefKey    = attribute.Key("call.room_ref")
	CallKindKey   = attribute.Key("call.kind")
	CreatedKey    = attribute.Key("call.created")
	UserIDKey     = attribute.Key("user.id")
	EventTypeKey  = attribute.Key("event.type")
	RecipientsKey = attribute.Key("event.recipients")
	InstanceKey   = attribute.Key("fanout.origin_instance")
)

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceCallOperation starts a span for a call-session operation.
func TraceCallOperation(ctx context.Context, operation string, sessionID, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call."+operation,
		trace.WithAttributes(
			SessionIDKey.String(sessionID),
			UserIDKey.String(userID),
		),
	)
}

// TraceSignalMessage covers one inbound realtime message.
func TraceSignalMessage(ctx context.Context, messageType, sessionID, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "ws."+messageType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			EventTypeKey.String(messageType),
			SessionIDKey.String(sessionID),
			UserIDKey.String(userID),
		),
	)
}

// TraceRemoteFanout covers applying an envelope published by another instance.
func TraceRemoteFanout(ctx context.Context, kind, sessionID, origin string) (context.Context, trace.Span) {
	return StartSpan(ctx, "fanout."+kind,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			SessionIDKey.String(sessionID),
			InstanceKey.String(origin),
		),
	)
}
