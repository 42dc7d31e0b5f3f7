package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by directories for unknown identities.
	ErrNotFound = errors.New("identity not found")
	// ErrImageUndecodable is wrapped in an InputError when image bytes cannot be decoded.
	ErrImageUndecodable = errors.New("image cannot be decoded")
	// ErrImageMissing is wrapped in an InputError when no image was supplied.
	ErrImageMissing = errors.New("image is missing")
	// ErrConflict is returned by optimistic ledgers when the record changed under them.
	ErrConflict = errors.New("attendance record changed concurrently")
)

// ConfigurationError is fatal and only raised at startup: empty classifier
// ensemble, unreadable gallery or model files.
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err as a ConfigurationError for component.
func NewConfigurationError(component string, err error) error {
	return &ConfigurationError{Component: component, Err: err}
}

// InputError aborts processing of a single submitted image.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input: %v", e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// PersistenceError reports a failed or timed out ledger or audit write for one
// identity. The operation may be retried with the same event time.
type PersistenceError struct {
	IdentityID string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s for %s: %v", e.Op, e.IdentityID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsInputError reports whether err is (or wraps) an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
