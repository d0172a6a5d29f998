package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
)

// Event is a notification published on a Bus. Events are immutable once
// created.
type Event interface {
	ID() string
	Type() string
	// Source names the publisher, usually a node id or "executor".
	Source() string

	// CorrelationID groups the events of one run.
	CorrelationID() string
	// CausationID is the id of the event that caused this one, if any.
	CausationID() string

	Timestamp() time.Time

	Data() any
	DataBytes() []byte
}

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID       string    `json:"id"`
	EventType     string    `json:"type"`
	EventSource   string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// MetadataOf collects the metadata of any Event.
func MetadataOf(evt Event) Metadata {
	if b, ok := evt.(interface{ Metadata() Metadata }); ok {
		return b.Metadata()
	}
	return Metadata{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		EventSource:   evt.Source(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Timestamp:     evt.Timestamp(),
	}
}

// BaseEvent is the generic Event implementation. T is the payload type.
// One event is shared by every subscriber, so it must not be mutated after
// Publish.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`

	encodeOnce sync.Once
	encoded    []byte
}

func (e *BaseEvent[T]) ID() string            { return e.Meta.EventID }
func (e *BaseEvent[T]) Type() string          { return e.Meta.EventType }
func (e *BaseEvent[T]) Source() string        { return e.Meta.EventSource }
func (e *BaseEvent[T]) CorrelationID() string { return e.Meta.CorrelationID }
func (e *BaseEvent[T]) CausationID() string   { return e.Meta.CausationID }
func (e *BaseEvent[T]) Timestamp() time.Time  { return e.Meta.Timestamp }
func (e *BaseEvent[T]) Data() any             { return e.Payload }
func (e *BaseEvent[T]) Metadata() Metadata    { return e.Meta }

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T {
	return e.Payload
}

// DataBytes returns the JSON payload, encoded once. A payload that cannot
// be encoded yields nil.
func (e *BaseEvent[T]) DataBytes() []byte {
	e.encodeOnce.Do(func() {
		e.encoded, _ = json.Marshal(e.Payload)
	})
	return e.encoded
}

// EventOption configures event creation.
type EventOption func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
}

// WithEventID sets a specific event ID (default: a new UUID).
func WithEventID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.id = id }
}

// WithCorrelationID sets the correlation ID, normally the run ID.
func WithCorrelationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.correlationID = id }
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.causationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) EventOption {
	return func(cfg *eventConfig) { cfg.timestamp = t }
}

// New creates an event with the given type, source and payload. Without a
// correlation ID the event correlates to itself.
func New[T any](eventType, source string, payload T, opts ...EventOption) *BaseEvent[T] {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventID:       cfg.id,
			EventType:     eventType,
			EventSource:   source,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			Timestamp:     cfg.timestamp,
		},
		Payload: payload,
	}
}

// NewFromParent creates an event caused by parent. It inherits the
// correlation ID and records the parent as its cause.
func NewFromParent[T any](parent Event, eventType, source string, payload T, opts ...EventOption) *BaseEvent[T] {
	all := append([]EventOption{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}, opts...)
	return New(eventType, source, payload, all...)
}

// Handler processes events delivered by a Bus.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// TypedHandler wraps a function handling payloads of type T. A payload
// that arrives as a map, as it does after a JSON round trip, is decoded
// into T by its json tags; anything else is an error.
func TypedHandler[T any](fn func(ctx context.Context, payload T, meta Metadata) error) Handler {
	return HandlerFunc(func(ctx context.Context, evt Event) error {
		var payload T
		switch d := evt.Data().(type) {
		case T:
			payload = d
		case map[string]any:
			if err := decodePayload(d, &payload); err != nil {
				return &EventError{Event: evt, Message: "decode payload", Err: err}
			}
		default:
			return &EventError{Event: evt, Message: "unexpected payload type"}
		}
		return fn(ctx, payload, MetadataOf(evt))
	})
}

func decodePayload(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
