package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks malformed input or an unknown maximum type.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInsufficientQuota is matched by a QuotaError whose counter cannot cover a deduction.
	ErrInsufficientQuota = errors.New("insufficient quota")
	// ErrQuotaExceeded is matched by a QuotaError whose ceiling would be exceeded.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrScriptNotFound is returned when a script does not exist or is not owned by the caller.
	ErrScriptNotFound = errors.New("script not found")
	// ErrKeyNotFound is returned when a key does not exist or is not owned by the caller.
	ErrKeyNotFound = errors.New("license key not found")
	// ErrAPIKeyNotFound is returned when a developer API key does not exist for the user.
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// QuotaKind distinguishes the two quota failures.
type QuotaKind int

const (
	InsufficientQuota QuotaKind = iota + 1
	QuotaExceeded
)

// QuotaError reports a failed quota check with the amounts needed to explain it.
// Current and Limit are only set for QuotaExceeded.
type QuotaError struct {
	Kind      QuotaKind
	Maximum   MaximumType
	Required  int
	Available int
	Current   int
	Limit     int
}

func (e *QuotaError) Error() string {
	if e.Kind == InsufficientQuota {
		return fmt.Sprintf("insufficient %s: required %d, available %d", e.Maximum, e.Required, e.Available)
	}
	if e.Maximum == MaximumDevicesPerKey {
		return fmt.Sprintf("%s exceeded: requested %d devices per key, plan allows %d", e.Maximum, e.Required, e.Limit)
	}
	return fmt.Sprintf("%s exceeded: %d in use + %d requested exceeds limit of %d", e.Maximum, e.Current, e.Required, e.Limit)
}

// Is lets errors.Is match the kind sentinels.
func (e *QuotaError) Is(target error) bool {
	switch target {
	case ErrInsufficientQuota:
		return e.Kind == InsufficientQuota
	case ErrQuotaExceeded:
		return e.Kind == QuotaExceeded
	}
	return false
}

// StorageError wraps a failure of the relational store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it already is a domain error.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	var qe *QuotaError
	if errors.As(err, &se) || errors.As(err, &qe) ||
		errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrScriptNotFound) || errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
