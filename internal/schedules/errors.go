package schedules

import "errors"

var (
	ErrQueueNameMissing    = errors.New("queue target requires a queue name")
	ErrCommandNameMissing  = errors.New("command target requires a command id")
	ErrCommandUnknown      = errors.New("command is not registered")
	ErrTargetConflict      = errors.New("exactly one of targetQueue and targetCommand may be set")
	ErrTargetTypeUnknown   = errors.New("unknown target type")
	ErrScheduleTypeUnknown = errors.New("unknown schedule type")
	ErrRecurrenceInvalid   = errors.New("recurrence value does not match its schedule type")
	ErrNextRunImpossible   = errors.New("next run time cannot be computed")
)

// ValidationError names the field that violated a registration rule.
// It is returned synchronously to register/update callers and is never
// retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}
