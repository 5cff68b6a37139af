package event

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelHandler turns each event into an OpenTelemetry span.
//
// Events are points in time, so spans are ended immediately; the span name
// is the event kind and run/node identity rides along as attributes.
// Failure events mark the span with an error status.
//
// Wire it to whatever tracer provider the application configured:
//
//	tracer := otel.Tracer("orca")
//	bus.Subscribe(event.NewOTelHandler(tracer))
type OTelHandler struct {
	tracer trace.Tracer
}

// NewOTelHandler creates an OTelHandler over the given tracer.
func NewOTelHandler(tracer trace.Tracer) *OTelHandler {
	return &OTelHandler{tracer: tracer}
}

// Handle records the event as a completed span.
func (o *OTelHandler) Handle(e Event) {
	_, span := o.tracer.Start(context.Background(), string(e.Kind))
	defer span.End()

	span.SetAttributes(
		attribute.String("orca.run_id", e.RunID),
		attribute.Int64("orca.seq", e.Seq),
	)
	if e.Node != "" {
		span.SetAttributes(attribute.String("orca.node", e.Node))
	}

	for key, value := range e.Payload {
		setAttr(span, "orca."+key, value)
	}

	if msg, ok := e.Payload["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

func setAttr(span trace.Span, key string, value any) {
	switch v := value.(type) {
	case string:
		span.SetAttributes(attribute.String(key, v))
	case int:
		span.SetAttributes(attribute.Int(key, v))
	case int64:
		span.SetAttributes(attribute.Int64(key, v))
	case float64:
		span.SetAttributes(attribute.Float64(key, v))
	case bool:
		span.SetAttributes(attribute.Bool(key, v))
	default:
		span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}
