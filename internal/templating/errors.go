package templating

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine.
var (
	ErrUnknownTemplate = errors.New("templating: template is not registered")
	ErrUnknownModifier = errors.New("templating: modifier is not registered")
)

// DataBindError reports a value that cannot be bound for substitution.
type DataBindError struct {
	Key    string
	Reason string
}

func (e *DataBindError) Error() string {
	return fmt.Sprintf("templating: cannot bind %q: %s", e.Key, e.Reason)
}

// ModifierError reports a modifier that rejected its input or arguments.
type ModifierError struct {
	Modifier string
	Err      error
}

func (e *ModifierError) Error() string {
	return fmt.Sprintf("templating: modifier %q: %v", e.Modifier, e.Err)
}

func (e *ModifierError) Unwrap() error {
	return e.Err
}
