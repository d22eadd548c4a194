package entity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrNotFound         = errors.New("record not found")
	ErrIDExists         = errors.New("a new record cannot already have an id")
	ErrIDMissing        = errors.New("invalid id: id is null")
	ErrIDMismatch       = errors.New("invalid id: path and body ids differ")
	ErrIDNotFound       = errors.New("invalid id: record does not exist")
	ErrUnknownReference = errors.New("unknown reference")
	ErrInvalid          = errors.New("invalid record")
)

// Issue is a single problem found while decoding or validating a record.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every issue found for one record. It matches
// ErrInvalid with errors.Is.
type ValidationError struct {
	Entity string  `json:"entity"`
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Entity, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// err returns e when it holds issues and nil otherwise.
func (e *ValidationError) err() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
