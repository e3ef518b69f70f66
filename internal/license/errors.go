package license

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey       = errors.New("invalid license key")
	ErrKeyAlreadyBound  = errors.New("license key already active for another tenant")
	ErrStoreUnavailable = errors.New("license store unavailable")
	ErrPermissionDenied = errors.New("permission denied")
)

// StoreError wraps a failure of the durable store. It matches
// ErrStoreUnavailable with errors.Is; the caller may retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }
