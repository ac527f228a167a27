// Package apperr defines the error taxonomy shared by the sync engine, the
// real-time layer and the HTTP surface.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Code string

const (
	CodeInternal               Code = "INTERNAL"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeContentUnavailable     Code = "CONTENT_UNAVAILABLE"
	CodeLedgerQueryFailed      Code = "LEDGER_QUERY_FAILED"
	CodeStoreWriteFailed       Code = "STORE_WRITE_FAILED"
	CodeAuthenticationRequired Code = "AUTHENTICATION_REQUIRED"
	CodeAccessDenied           Code = "ACCESS_DENIED"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any AppError carrying the same code, so sentinels compare equal
// to wrapped instances produced by Wrap.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

var (
	ErrContentUnavailable     = New(CodeContentUnavailable, "content unavailable on every access path")
	ErrLedgerQueryFailed      = New(CodeLedgerQueryFailed, "ledger query failed")
	ErrStoreWriteFailed       = New(CodeStoreWriteFailed, "store write failed")
	ErrAuthenticationRequired = New(CodeAuthenticationRequired, "authentication required")
	ErrAccessDenied           = New(CodeAccessDenied, "access denied")
	ErrInvalidArgument        = New(CodeInvalidArgument, "invalid argument")
	ErrNotFound               = New(CodeNotFound, "not found")
)

func ContentUnavailable(contentID string, cause error) error {
	return Wrap(CodeContentUnavailable, fmt.Sprintf("content %s unavailable", contentID), cause)
}

func LedgerQueryFailed(op string, cause error) error {
	return Wrap(CodeLedgerQueryFailed, fmt.Sprintf("ledger %s failed", op), cause)
}

func StoreWriteFailed(op string, cause error) error {
	return Wrap(CodeStoreWriteFailed, fmt.Sprintf("store %s failed", op), cause)
}

func AccessDenied(msg string) error {
	return New(CodeAccessDenied, msg)
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

// CodeOf returns the code of the outermost AppError in the chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAuthenticationRequired:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeContentUnavailable, CodeLedgerQueryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
