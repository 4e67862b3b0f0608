// Package apperror defines the error kinds surfaced by the resolution service and
// their mapping onto HTTP status codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
	KindSelfMerge        Kind = "self_merge"
	KindInvalidSplit     Kind = "invalid_split"
	KindConflict         Kind = "conflict"
	KindResolutionFailed Kind = "resolution_failed"
	// KindTransient marks a storage failure that may succeed on retry.
	KindTransient Kind = "transient"
	KindInternal  Kind = "internal"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrSelfMerge        = &Error{Kind: KindSelfMerge}
	ErrInvalidSplit     = &Error{Kind: KindInvalidSplit}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrResolutionFailed = &Error{Kind: KindResolutionFailed}
	ErrTransient        = &Error{Kind: KindTransient}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the message of the outermost *Error without the wrapped cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func StatusCode(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindSelfMerge, KindInvalidSplit:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResolutionFailed, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts err into an httperror carrying the matching status code.
// Internal causes are not leaked to callers.
func ToHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return err
	}
	kind := KindOf(err)
	if kind == KindInternal {
		return httperror.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return httperror.NewHTTPError(StatusCode(kind), Message(err))
}
