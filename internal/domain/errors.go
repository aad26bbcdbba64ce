package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorises retrieval errors.
type ErrorKind string

const (
	KindModelUnavailable    ErrorKind = "model_unavailable"
	KindIndexCorpusMismatch ErrorKind = "index_corpus_mismatch"
	KindIndexNotFound       ErrorKind = "index_not_found"
	KindInvalidArgument     ErrorKind = "invalid_argument"
)

// Error is a categorised error. Two Errors match under errors.Is when their
// kinds are equal, so wrapped detail never hides the category.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a categorised error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

var (
	// ErrModelUnavailable means the embedding model could not be loaded.
	// It is fatal at startup.
	ErrModelUnavailable = NewError(KindModelUnavailable, "embedding model unavailable", nil)
	// ErrIndexCorpusMismatch means a persisted index does not describe the live corpus.
	ErrIndexCorpusMismatch = NewError(KindIndexCorpusMismatch, "index does not match corpus", nil)
	// ErrIndexNotFound means no persisted index exists yet.
	ErrIndexNotFound = NewError(KindIndexNotFound, "index not found", nil)
	// ErrInvalidK is returned for k < 1.
	ErrInvalidK = NewError(KindInvalidArgument, "k must be at least 1", nil)
)

// ModelUnavailable wraps err as an ErrModelUnavailable.
func ModelUnavailable(msg string, err error) error {
	return NewError(KindModelUnavailable, msg, err)
}

// IndexCorpusMismatch reports a persisted index that disagrees with the live corpus.
func IndexCorpusMismatch(format string, args ...any) error {
	return NewError(KindIndexCorpusMismatch, fmt.Sprintf(format, args...), nil)
}
