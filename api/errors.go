// Package api defines the public contracts shared by the segment registry,
// the task scheduler and the resource registrar.
package api

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy every backend reports.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidKey
	KindInvalidPeriod
	KindInvalidName
	KindInvalidPriority
	KindDuplicateName
	KindSizeMismatch
	KindCreationFailed
	KindNotFound
	KindFaulted
	KindAlreadyReleased
	KindInvalidState
	KindNotCreator
	KindBackendLocked
)

var (
	ErrInvalidKey      = errors.New("invalid key")
	ErrInvalidPeriod   = errors.New("invalid period")
	ErrInvalidName     = errors.New("invalid name")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrDuplicateName   = errors.New("duplicate name")
	ErrSizeMismatch    = errors.New("size mismatch")
	ErrCreationFailed  = errors.New("creation failed")
	ErrNotFound        = errors.New("not found")
	ErrFaulted         = errors.New("task faulted")
	// ErrAlreadyReleased reports a double release or double unregister.
	ErrAlreadyReleased = errors.New("already released")
	ErrInvalidState    = errors.New("invalid state")
	ErrNotCreator      = errors.New("not the creator")
	ErrBackendLocked   = errors.New("backend already selected")
)

var kinds = map[error]Kind{
	ErrInvalidKey:      KindInvalidKey,
	ErrInvalidPeriod:   KindInvalidPeriod,
	ErrInvalidName:     KindInvalidName,
	ErrInvalidPriority: KindInvalidPriority,
	ErrDuplicateName:   KindDuplicateName,
	ErrSizeMismatch:    KindSizeMismatch,
	ErrCreationFailed:  KindCreationFailed,
	ErrNotFound:        KindNotFound,
	ErrFaulted:         KindFaulted,
	ErrAlreadyReleased: KindAlreadyReleased,
	ErrInvalidState:    KindInvalidState,
	ErrNotCreator:      KindNotCreator,
	ErrBackendLocked:   KindBackendLocked,
}

func (k Kind) String() string {
	switch k {
	case KindInvalidKey:
		return "InvalidKey"
	case KindInvalidPeriod:
		return "InvalidPeriod"
	case KindInvalidName:
		return "InvalidName"
	case KindInvalidPriority:
		return "InvalidPriority"
	case KindDuplicateName:
		return "DuplicateName"
	case KindSizeMismatch:
		return "SizeMismatch"
	case KindCreationFailed:
		return "CreationFailed"
	case KindNotFound:
		return "NotFound"
	case KindFaulted:
		return "Faulted"
	case KindAlreadyReleased:
		return "AlreadyReleased"
	case KindInvalidState:
		return "InvalidState"
	case KindNotCreator:
		return "NotCreator"
	case KindBackendLocked:
		return "BackendLocked"
	default:
		return "Unknown"
	}
}

// Error is returned by every setup and teardown operation. Key holds the
// offending segment key, task name or resource name.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error whose cause wraps the sentinel with extra detail.
func Errorf(op, key string, sentinel error, format string, a ...any) *Error {
	return &Error{
		Op:  op,
		Key: key,
		Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, a...)),
	}
}

// NewError builds an *Error from a sentinel without extra detail.
func NewError(op, key string, sentinel error) *Error {
	return &Error{Op: op, Key: key, Err: sentinel}
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for sentinel, k := range kinds {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindUnknown
}
