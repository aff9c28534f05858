package errors

import (
	"fmt"
	"time"
)

type ErrorCode int

const (
	InternalError ErrorCode = iota
	InvalidConfiguration
	NoStableLeader
	ClusterUnreachable
	BadRedirect
	Cancelled
	InvalidConnectionString
)

func NewInvalidConfigurationError(msg string) CoraxError {
	return NewCoraxErrorf(InvalidConfiguration, "Invalid configuration: %s", msg)
}

func NewNoStableLeaderError(waited time.Duration) CoraxError {
	return NewCoraxErrorf(NoStableLeader, "Cluster is not in a stable state. No leader was selected within %s", waited)
}

// NewClusterUnreachableError reports that every routing option was exhausted.
// The cause, if any, is the error from the last node tried.
func NewClusterUnreachableError(msg string, cause error) CoraxError {
	err := NewCoraxErrorf(ClusterUnreachable, "Cluster is not reachable. %s", msg)
	err.cause = cause
	return err
}

func NewBadRedirectError(url string) CoraxError {
	return NewCoraxErrorf(BadRedirect,
		"Got 302 redirect to %s but no leader redirect header, maybe there is a proxy in the middle", url)
}

func NewCancelledError(cause error) CoraxError {
	err := NewCoraxErrorf(Cancelled, "Operation was cancelled")
	err.cause = cause
	return err
}

func NewInvalidConnectionStringError(msg string) CoraxError {
	return NewCoraxErrorf(InvalidConnectionString, "Invalid connection string: %s", msg)
}

func NewCoraxErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) CoraxError {
	msg := fmt.Sprintf(fmt.Sprintf("CRX%04d - %s", errorCode, msgFormat), args...)
	return CoraxError{Code: errorCode, Msg: msg}
}

func Error(msg string) error {
	return New(msg)
}

// CoraxError is any kind of error that is exposed to the user via the public API
type CoraxError struct {
	Code  ErrorCode
	Msg   string
	cause error
}

func (u CoraxError) Error() string {
	return u.Msg
}

func (u CoraxError) Unwrap() error {
	return u.cause
}

// HasCode reports whether err, or any error in its chain, is a CoraxError
// carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	var ce CoraxError
	if As(err, &ce) {
		return ce.Code == code
	}
	return false
}
