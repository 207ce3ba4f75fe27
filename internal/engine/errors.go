package engine

import "fmt"

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation attempted against a job whose
// current status does not permit it.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %s not allowed in status %s", e.Op, e.Status)
}

// ConflictError reports a lost concurrent write. The caller read a job in a
// permitted status but the guarded update matched zero rows.
type ConflictError struct {
	Op    string
	JobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("operation %s on job %s lost a concurrent update", e.Op, e.JobID)
}

// ForbiddenError reports an actor acting on a job it does not own or a role
// it does not hold.
type ForbiddenError struct {
	ActorID string
	Reason  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s: %s", e.ActorID, e.Reason)
}

func forbidden(actorID, reason string) error {
	return &ForbiddenError{ActorID: actorID, Reason: reason}
}
