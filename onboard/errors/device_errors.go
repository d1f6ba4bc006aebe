package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind identifies which class of failure an error belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindHardware
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindHardware:
		return "hardware"
	case KindPersistence:
		return "persistence"
	}
	return "unknown"
}

// ValidationError reports a missing or out of range configuration field.
type ValidationError struct {
	ID     string
	Field  string
	Reason string
}

func (err ValidationError) Error() string {
	if len(err.Field) == 0 {
		return fmt.Sprintf("invalid servo %q: %s", err.ID, err.Reason)
	}
	return fmt.Sprintf("invalid servo %q: field %s %s", err.ID, err.Field, err.Reason)
}

// ConflictError reports a channel that is already claimed by another enabled servo.
type ConflictError struct {
	ID      string
	Channel int
	HeldBy  string
}

func (err ConflictError) Error() string {
	return fmt.Sprintf("servo %q: channel %d already in use by %q", err.ID, err.Channel, err.HeldBy)
}

type NotFoundError struct {
	ID string
}

func (err NotFoundError) Error() string {
	return fmt.Sprintf("no such servo %s", err.ID)
}

// HardwareError wraps a HAL acquisition or duty write failure.
type HardwareError struct {
	ID  string
	Op  string
	Err error
}

func (err HardwareError) Error() string {
	if len(err.ID) == 0 {
		return fmt.Sprintf("hardware %s: %v", err.Op, err.Err)
	}
	return fmt.Sprintf("hardware %s on servo %q: %v", err.Op, err.ID, err.Err)
}

func (err HardwareError) Unwrap() error { return err.Err }

// PersistenceError wraps a store read or write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (err PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", err.Op, err.Err)
}

func (err PersistenceError) Unwrap() error { return err.Err }

// KindOf returns the kind of the first typed error found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		v ValidationError
		c ConflictError
		n NotFoundError
		h HardwareError
		p PersistenceError
	)
	switch {
	case pkgerrors.As(err, &v):
		return KindValidation
	case pkgerrors.As(err, &c):
		return KindConflict
	case pkgerrors.As(err, &n):
		return KindNotFound
	case pkgerrors.As(err, &h):
		return KindHardware
	case pkgerrors.As(err, &p):
		return KindPersistence
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
