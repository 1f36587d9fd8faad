package shared

import "errors"

// Error classes. Domain sentinels wrap exactly one of these so transports can
// map failures without knowing every package.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrPolicyViolation indicates input that is well formed but not allowed for the actor.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrConflict indicates the current state of a resource forbids the operation.
	ErrConflict = errors.New("state conflict")
	// ErrUpstream indicates a collaborator failed.
	ErrUpstream = errors.New("external dependency failure")
	// ErrUnauthenticated occurs when the request carries no actor identity.
	ErrUnauthenticated = errors.New("actor identity missing")
)

// UserSafeMessage returns a message that can be shown to operators. Unknown
// errors are hidden behind a generic text.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrPolicyViolation),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrUnauthenticated):
		return err.Error()
	case errors.Is(err, ErrUpstream):
		return "a dependent service is unavailable, please retry"
	default:
		return "internal error"
	}
}
