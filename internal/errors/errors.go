package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Auth errors.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthRejected     = errors.New("credential rejected by server")
	ErrNoRefreshToken   = errors.New("no refresh token available")
)

// Notification errors.
var (
	ErrCategoryDisabled = errors.New("notification type disabled")
	ErrNotAuthorized    = errors.New("notifications not authorized")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// TransportError is a socket-level failure: dial, read, write or close.
// It is recovered inside the connection core and never returned to
// callers of Send.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// EncodingError means a payload could not be serialized or deserialized.
// The message is dropped and logged.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "encoding: " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }

// AuthError means the credential is missing or was rejected. It is the
// only error class surfaced above the connection core, since resolving it
// needs the user-facing sign-in flow.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err (or any error in its chain) is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsEncoding reports whether err (or any error in its chain) is an
// EncodingError.
func IsEncoding(err error) bool {
	var ee *EncodingError
	return errors.As(err, &ee)
}

// TransientError wraps a REST failure that is likely temporary and safe
// to retry: network errors, 5xx and 429 responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
