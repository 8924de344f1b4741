package container

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat matches every FormatError.
	ErrFormat = errors.New("container: malformed container")
	// ErrMetadataSchema matches every MetadataSchemaError.
	ErrMetadataSchema = errors.New("container: metadata schema violation")
)

// FormatError reports malformed or truncated container bytes. It is fatal to the
// request and never retried.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("container: format error: %s: %v", e.Reason, e.Err)
	}
	return "container: format error: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// MetadataSchemaError reports metadata that parsed as JSON but lacks required
// fields or carries values of the wrong shape.
type MetadataSchemaError struct {
	Field string
	Err   error
}

func (e *MetadataSchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("container: metadata field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("container: metadata: %v", e.Err)
}

func (e *MetadataSchemaError) Unwrap() error { return e.Err }

func (e *MetadataSchemaError) Is(target error) bool { return target == ErrMetadataSchema }

func schemaErr(field, msg string) error {
	return &MetadataSchemaError{Field: field, Err: errors.New(msg)}
}
