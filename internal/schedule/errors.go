package schedule

import "errors"

var (
	// ErrInvalidPattern means the pattern is neither a valid cron expression
	// nor a parseable timestamp.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrInThePast means a one-off instant is not strictly in the future.
	ErrInThePast = errors.New("instant is in the past")

	// ErrNotFound means no live job has the given id.
	ErrNotFound = errors.New("job not found")

	// ErrCorruptRecord means a persisted record failed to deserialize.
	ErrCorruptRecord = errors.New("corrupt job record")

	// ErrPersistence means the brain store rejected a write; the operation
	// fails closed and nothing is armed or removed.
	ErrPersistence = errors.New("brain store unavailable")
)

// Refusal is a visibility denial with a message meant for the requesting user.
// It is an error so a denial is distinguishable from "no jobs exist".
type Refusal struct {
	Message string
}

func (r *Refusal) Error() string { return r.Message }
