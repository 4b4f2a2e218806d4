package provision

import (
	"fmt"

	"emperror.dev/errors"
)

// ErrOrchestratorUnavailable indicates the container orchestrator could not
// be reached during the precondition check. This is fatal for the current
// request and is not retried synchronously.
const ErrOrchestratorUnavailable = errors.Sentinel("provision: container orchestrator is unreachable")

// ValidationError covers bad input. No side effects have occurred when one of
// these is returned; the caller can correct the input and retry safely.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func NewValidationError(format string, args ...interface{}) error {
	return errors.WithStackDepth(&ValidationError{msg: fmt.Sprintf(format, args...)}, 1)
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ResourceConflictError indicates that a scarce resource (name, subdomain,
// port) is already taken. Like a validation error it is raised before any
// external resource is created.
type ResourceConflictError struct {
	Resource string
	msg      string
}

func (e *ResourceConflictError) Error() string {
	return e.msg
}

func NewConflictError(resource string, format string, args ...interface{}) error {
	return errors.WithStackDepth(&ResourceConflictError{Resource: resource, msg: fmt.Sprintf(format, args...)}, 1)
}

func IsConflictError(err error) bool {
	var v *ResourceConflictError
	return errors.As(err, &v)
}
