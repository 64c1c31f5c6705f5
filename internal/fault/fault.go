// Package fault defines the stable error taxonomy shared by the
// orchestration core and the HTTP layer. Every failure kind maps to a
// distinct code so calling tooling can branch on it.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	// CodeNotFound: heartbeat or lookup for an agent that was never registered.
	CodeNotFound Code = "not_found"
	// CodeNoCandidates: no live worker declares a required capability.
	CodeNoCandidates Code = "no_candidates"
	// CodeUnsatisfiableObjective: a mandatory capability has no live worker
	// and the decomposition policy is set to fail.
	CodeUnsatisfiableObjective Code = "unsatisfiable_objective"
	// CodeMalformedDecomposition: a decomposition strategy produced output
	// that violates the shape contract.
	CodeMalformedDecomposition Code = "malformed_decomposition"
	// CodeStageFailure: a pipeline stage's worker failed or timed out.
	CodeStageFailure Code = "stage_failure"
	// CodeUnknownMode: the dispatcher was configured with an unknown mode.
	CodeUnknownMode Code = "unknown_mode"
	// CodeWorkerUnreachable: a worker invocation failed at the network level.
	CodeWorkerUnreachable Code = "worker_unreachable"
	// CodeInvalidArgument: a request payload failed validation.
	CodeInvalidArgument Code = "invalid_argument"
	// CodeInternal: everything else.
	CodeInternal Code = "internal"
)

type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail returns e with an extra detail field set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the fault code from an error chain. Errors without a
// fault in the chain report CodeInternal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
