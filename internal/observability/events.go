package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Routing keys for generation lifecycle events.
const (
	EventGenerationStarted  = "generation.started"
	EventGenerationFinished = "generation.finished"
	EventGenerationDesync   = "generation.desync"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// GenerationEvent is the payload of the generation.* events.
type GenerationEvent struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Outcome   string `json:"outcome,omitempty"`
	KeyIndex  int    `json:"key_index"`
	Tokens    int    `json:"tokens,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// TraceIDFromContext returns the active trace id or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// PublishGenerationEvent wraps payload in an envelope and publishes it on
// the default publisher.
func PublishGenerationEvent(ctx context.Context, name string, payload GenerationEvent) error {
	envelope := EventEnvelope{EventType: "generation", EventName: name, Payload: payload}
	return PublishEvent(ctx, name, envelope)
}
