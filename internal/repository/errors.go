package repository

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	refConflictErrorTemplateConstant = "reference %s changed: expected %s, found %s"
	transportErrorTemplateConstant   = "%s %s failed: %v"
	corruptionErrorTemplateConstant  = "repository object %s unreadable: %v"
	absentHashDisplayConstant        = "<absent>"
)

// RefConflictError reports that a reference did not hold the expected value during a compare-and-swap.
type RefConflictError struct {
	Reference plumbing.ReferenceName
	Expected  plumbing.Hash
	Actual    plumbing.Hash
}

// Error describes the conflicting reference values.
func (conflictError *RefConflictError) Error() string {
	return fmt.Sprintf(refConflictErrorTemplateConstant, conflictError.Reference, displayHash(conflictError.Expected), displayHash(conflictError.Actual))
}

// TransportError reports a failed or timed out exchange with the remote. It is always transient.
type TransportError struct {
	Operation string
	Remote    string
	Err       error
}

// Error describes the failed remote operation.
func (transportError *TransportError) Error() string {
	return fmt.Sprintf(transportErrorTemplateConstant, transportError.Operation, transportError.Remote, transportError.Err)
}

// Unwrap exposes the underlying transport failure.
func (transportError *TransportError) Unwrap() error {
	return transportError.Err
}

// CorruptionError reports an object that could not be read or decoded. It is fatal.
type CorruptionError struct {
	Object plumbing.Hash
	Err    error
}

// Error describes the unreadable object.
func (corruptionError *CorruptionError) Error() string {
	return fmt.Sprintf(corruptionErrorTemplateConstant, corruptionError.Object, corruptionError.Err)
}

// Unwrap exposes the underlying decoding failure.
func (corruptionError *CorruptionError) Unwrap() error {
	return corruptionError.Err
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var transportError *TransportError
	return errors.As(err, &transportError)
}

// IsRefConflict reports whether the error is a compare-and-swap mismatch.
func IsRefConflict(err error) bool {
	var conflictError *RefConflictError
	return errors.As(err, &conflictError)
}

// IsCorruption reports whether the error indicates a damaged object store.
func IsCorruption(err error) bool {
	var corruptionError *CorruptionError
	return errors.As(err, &corruptionError)
}

func displayHash(hash plumbing.Hash) string {
	if hash.IsZero() {
		return absentHashDisplayConstant
	}
	return hash.String()
}
