package collector

import (
	"errors"
	"fmt"
)

// Integrity errors returned by the stores.
var (
	ErrUnknownSource     = errors.New("unknown source")
	ErrInvalidTransition = errors.New("invalid run transition")
	ErrRunNotFound       = errors.New("run not found")
	ErrSourceDisabled    = errors.New("source disabled")
)

// ErrorKind classifies collector failures.
type ErrorKind string

// Collector failure classes.
const (
	// KindTransient covers network and rate-limit failures; retry on the next run.
	KindTransient ErrorKind = "transient"
	// KindMalformed covers unparseable upstream payloads.
	KindMalformed ErrorKind = "malformed"
	// KindConfigInvalid means the registry config is missing or wrong.
	KindConfigInvalid ErrorKind = "config_invalid"
)

// Error is a classified collector failure.
type Error struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure.
func Transient(source string, err error) *Error {
	return &Error{Kind: KindTransient, Source: source, Err: err}
}

// Malformed wraps err as a malformed payload failure.
func Malformed(source string, err error) *Error {
	return &Error{Kind: KindMalformed, Source: source, Err: err}
}

// ConfigInvalid wraps err as a config failure.
func ConfigInvalid(source string, err error) *Error {
	return &Error{Kind: KindConfigInvalid, Source: source, Err: err}
}

// KindOf extracts the classification of err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind, true
	}
	return "", false
}
