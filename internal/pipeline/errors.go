package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCustomerEmail is returned by the product stage when the transcript
	// contains no email address.
	ErrNoCustomerEmail = errors.New("pipeline: no customer email found in transcript")

	// ErrNoJSONBlock is wrapped by [*JSONBlockError].
	ErrNoJSONBlock = errors.New("pipeline: model response contains no JSON block")

	// ErrMissingField is wrapped by [*MissingFieldsError].
	ErrMissingField = errors.New("pipeline: missing meeting field")

	// ErrFieldOverwrite is reported when a stage changed a field that
	// already held a value.
	ErrFieldOverwrite = errors.New("pipeline: stage overwrote an existing state field")
)

// MissingFieldsError names every meeting field the extractor could not find.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "pipeline: missing meeting info: " + strings.Join(e.Fields, ", ")
}

// Unwrap returns [ErrMissingField].
func (e *MissingFieldsError) Unwrap() error { return ErrMissingField }

// JSONBlockError carries the raw model response that had no JSON object.
type JSONBlockError struct {
	Raw string
}

func (e *JSONBlockError) Error() string {
	return fmt.Sprintf("pipeline: model did not return a JSON block: %q", e.Raw)
}

// Unwrap returns [ErrNoJSONBlock].
func (e *JSONBlockError) Unwrap() error { return ErrNoJSONBlock }
