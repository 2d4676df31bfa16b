package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	ErrConflict   = errors.New("conflict")
)

// Error is a classified failure carrying the message shown to clients.
type Error struct {
	Kind    error
	Msg     string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, msg string, details map[string]any) error {
	return &Error{Kind: kind, Msg: msg, Details: details}
}

func productNotFound(id string) error {
	return newError(ErrNotFound, "Product not found", map[string]any{"id": id})
}
