package gerror

import (
	"errors"
	"net/http"
)

// Error kinds, one per spec §7 failure category. Each constructor produces
// an Error with the audience/HTTP status that category implies; callers
// attach further detail with IDetail/EDetail before returning it.
const (
	CodeValidationFailed    Code = "validation_failed"
	CodeNotFound            Code = "not_found"
	CodeStepDispatchFailed  Code = "step_dispatch_failed"
	CodeStepExecutionFailed Code = "step_execution_failed"
	CodeTimeout             Code = "timeout"
	CodeHealthDegraded      Code = "health_degraded"

	// CodeDependencyUnresolved is a marker, never raised: a job held on
	// unresolved dependencies is reported as pending, not as an error.
	CodeDependencyUnresolved Code = "dependency_unresolved"
)

// ValidationFailed reports a malformed or incomplete request (spec §7:
// missing required fields, unknown step name, duplicate step names, etc).
func ValidationFailed(message string, inner error) Error {
	return NewError(message, AudienceExternal, CodeValidationFailed, http.StatusBadRequest, inner)
}

// NotFound reports a reference to a job or step id that doesn't exist.
func NotFound(message string, inner error) Error {
	return NewError(message, AudienceExternal, CodeNotFound, http.StatusNotFound, inner)
}

// StepDispatchFailed reports the broker rejecting or failing to accept a
// dispatch (spec §7: broker unreachable, queue full, circuit open).
func StepDispatchFailed(message string, inner error) Error {
	return NewError(message, AudienceInternal, CodeStepDispatchFailed, http.StatusServiceUnavailable, inner)
}

// StepExecutionFailed reports a step's Run returning an error, as opposed
// to the step failing to even start.
func StepExecutionFailed(message string, inner error) Error {
	return NewError(message, AudienceInternal, CodeStepExecutionFailed, http.StatusUnprocessableEntity, inner)
}

// Timeout reports a step or job exceeding its configured deadline.
func Timeout(message string, inner error) Error {
	return NewError(message, AudienceInternal, CodeTimeout, http.StatusGatewayTimeout, inner)
}

// HealthDegraded reports a dependency (broker, key-value store, graph
// store) failing its health check.
func HealthDegraded(message string, inner error) Error {
	return NewError(message, AudienceInternal, CodeHealthDegraded, http.StatusServiceUnavailable, inner)
}

// IsCode reports whether err is (or wraps) a gerror.Error with the given code.
func IsCode(err error, code Code) bool {
	var gErr Error
	if !asError(err, &gErr) {
		return false
	}
	return gErr.Code() == code
}

func asError(err error, target *Error) bool {
	return errors.As(err, target)
}
