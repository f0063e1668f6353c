package reminder

import "errors"

var (
	// ErrMalformedRequest is returned when a request or callback payload lacks
	// a title, a body or an id.
	ErrMalformedRequest = errors.New("malformed reminder request")
	// ErrRegistration wraps a rejection from the timer or job facility.
	ErrRegistration = errors.New("reminder registration failed")
	// ErrOutOfRange is returned for hour or minute outside 0..23 / 0..59.
	ErrOutOfRange = errors.New("reminder time out of range")
)
