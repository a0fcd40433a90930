// Package apperr defines the typed failures returned by the capsule and
// auction services. Every error carries a stable Code so that HTTP handlers
// and callers can branch with errors.Is against the exported sentinels.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodePayment                Code = "PAYMENT_ERROR"
	CodeBidTooLow              Code = "BID_TOO_LOW"
	CodeSelfBid                Code = "SELF_BID"
	CodeAuctionClosed          Code = "AUCTION_CLOSED"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeNotAuthorized          Code = "NOT_AUTHORIZED"
	CodeBidNotFound            Code = "BID_NOT_FOUND"
	CodeAlreadyAccepted        Code = "ALREADY_ACCEPTED"
	CodeCapsuleNotFound        Code = "CAPSULE_NOT_FOUND"
	CodeProfileMissing         Code = "PROFILE_MISSING"
	CodeCapsuleBusy            Code = "CAPSULE_BUSY"
	CodeInfrastructure         Code = "INFRASTRUCTURE_ERROR"
)

// Sentinels for errors.Is. They compare by code only.
var (
	ErrValidation             = &Error{Code: CodeValidation}
	ErrPayment                = &Error{Code: CodePayment}
	ErrBidTooLow              = &Error{Code: CodeBidTooLow}
	ErrSelfBid                = &Error{Code: CodeSelfBid}
	ErrAuctionClosed          = &Error{Code: CodeAuctionClosed}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition}
	ErrNotAuthorized          = &Error{Code: CodeNotAuthorized}
	ErrBidNotFound            = &Error{Code: CodeBidNotFound}
	ErrAlreadyAccepted        = &Error{Code: CodeAlreadyAccepted}
	ErrCapsuleNotFound        = &Error{Code: CodeCapsuleNotFound}
	ErrProfileMissing         = &Error{Code: CodeProfileMissing}
	ErrCapsuleBusy            = &Error{Code: CodeCapsuleBusy}
	ErrInfrastructure         = &Error{Code: CodeInfrastructure}
)

type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

func Validation(field, reason string) *Error {
	return Newf(CodeValidation, "validation failed for field '%s': %s", field, reason).
		WithDetail("field", field)
}

func Payment(reason string, cause error) *Error {
	return Wrap(cause, CodePayment, reason)
}

// Infrastructure wraps a storage or backing-service failure. Already typed
// errors pass through unchanged so business failures raised inside a
// transaction are not masked.
func Infrastructure(operation string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	return Wrap(err, CodeInfrastructure, operation+" failed")
}

func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Retryable reports whether the caller may safely issue the same request
// again. Business-rule and validation failures are never retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodePayment, CodeCapsuleBusy, CodeInfrastructure:
		return true
	}
	return false
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeBidTooLow, CodeSelfBid:
		return http.StatusBadRequest
	case CodePayment:
		return http.StatusPaymentRequired
	case CodeNotAuthorized:
		return http.StatusForbidden
	case CodeBidNotFound, CodeCapsuleNotFound, CodeProfileMissing:
		return http.StatusNotFound
	case CodeAuctionClosed, CodeAlreadyAccepted, CodeInvalidStateTransition, CodeCapsuleBusy:
		return http.StatusConflict
	case CodeInfrastructure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
