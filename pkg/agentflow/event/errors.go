package event

import (
	"errors"
	"fmt"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// EventError represents an error during event processing.
type EventError struct {
	Event   Event
	Message string
	Err     error
}

// Error implements error interface.
func (e *EventError) Error() string {
	id := "<nil>"
	if e.Event != nil {
		id = e.Event.ID()
	}
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", id, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", id, e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}
