package asr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a recoverable failure (timeout, broken pipe, engine
	// hiccup). The session keeps running.
	ErrTransient = errors.New("asr: transient provider error")

	// ErrFatal marks a failure the provider cannot recover from (missing
	// model or binary, failed initialisation).
	ErrFatal = errors.New("asr: fatal provider error")

	// ErrUnavailable is returned when a provider's runtime dependencies are
	// not present.
	ErrUnavailable = errors.New("asr: provider unavailable")
)

// ErrorKind classifies a [ProviderError].
type ErrorKind int

const (
	// KindTransient errors are counted by the session and may trigger
	// failover.
	KindTransient ErrorKind = iota

	// KindFatal errors end the session.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// ProviderError carries the provider name and error kind alongside the cause.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// Transient wraps err as a transient error raised by the named provider.
func Transient(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindTransient, Err: err}
}

// Fatal wraps err as a fatal error raised by the named provider.
func Fatal(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindFatal, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("asr: %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel for the error's kind.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}

// IsFatal reports whether err is classified as fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsTransient reports whether err should be treated as recoverable. Errors
// that carry no classification are treated as transient.
func IsTransient(err error) bool {
	return err != nil && !IsFatal(err)
}
