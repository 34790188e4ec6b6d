package questionnaire

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRequest    = errors.New("unknown questionnaire request")
	ErrCryptoUnavailable = errors.New("encryption key unavailable")
	ErrNotFinished       = errors.New("request not fully filled in")
	ErrAlreadyFinished   = errors.New("request already finished")
)

// Validation error codes, keyed per field in ValidationError.Fields.
const (
	CodeRequired      = "required"
	CodeInvalidType   = "invalid_type"
	CodeOutOfRange    = "out_of_range"
	CodeTooLong       = "too_long"
	CodeInvalidChoice = "invalid_choice"
)

// ValidationError carries the per-field error codes of a failed submission.
// The raw blob stays stored; the client fixes and resubmits.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// OutOfOrderError is returned when a submission targets a step other than the
// request's current one. CurrentStep tells the client where to go.
type OutOfOrderError struct {
	CurrentStep string
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out of order: current step is %s", e.CurrentStep)
}
