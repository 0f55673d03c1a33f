package batch

import (
	"errors"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrNotFound is returned when a job does not exist
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal is returned when cancelling a job that already finished
	ErrAlreadyTerminal = errors.New("job already finished")

	// ErrTransportNotReady is returned when a send job starts while the transport is down
	ErrTransportNotReady = errors.New("transport not ready")
)

// ValidationError reports a rejected submission. No job is created.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{
		Message: "invalid configuration",
		Fields:  map[string]string{field: message},
	}
}

// fromValidation converts ozzo validation errors into a ValidationError,
// flattening nested errors into dotted field paths.
func fromValidation(err error) error {
	if err == nil {
		return nil
	}

	var errs validation.Errors
	if !errors.As(err, &errs) {
		var internal validation.InternalError
		if errors.As(err, &internal) {
			return internal
		}
		return &ValidationError{Message: err.Error()}
	}

	fields := make(map[string]string)
	flatten("", errs, fields)
	return &ValidationError{Message: "invalid configuration", Fields: fields}
}

func flatten(prefix string, errs validation.Errors, out map[string]string) {
	for key, err := range errs {
		if err == nil {
			continue
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		var nested validation.Errors
		if errors.As(err, &nested) {
			flatten(path, nested, out)
			continue
		}
		out[path] = err.Error()
	}
}
