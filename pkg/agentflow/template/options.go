package template

import "fmt"

// MissingAction specifies how to handle missing variables.
type MissingAction int

const (
	// MissingKeep leaves the placeholder untouched. This is the default.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the placeholder with an empty string.
	MissingEmpty

	// MissingError reports every missing name in an UndefinedVariableError.
	MissingError
)

// ParseMissingAction maps "keep", "empty" and "error" to a MissingAction.
// An empty name is MissingKeep.
func ParseMissingAction(name string) (MissingAction, error) {
	switch name {
	case "", "keep":
		return MissingKeep, nil
	case "empty":
		return MissingEmpty, nil
	case "error":
		return MissingError, nil
	}
	return MissingKeep, fmt.Errorf("unknown missing-variable action %q", name)
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithMissingAction sets how missing variables are handled.
func WithMissingAction(action MissingAction) Option {
	return func(r *Renderer) {
		r.missing = action
	}
}

// WithMaxValueLength truncates each substituted value to at most n bytes,
// backing off to a rune boundary, with a trailing marker. Zero disables
// truncation.
func WithMaxValueLength(n int) Option {
	return func(r *Renderer) {
		if n >= 0 {
			r.maxValue = n
		}
	}
}
