/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies scheduler failures for callers.
type Code string

const (
	CodeInvalidReference Code = "invalid_reference"
	CodeContributorMuted Code = "contributor_muted"
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodeNotFound         Code = "not_found"
	CodeForbidden        Code = "forbidden"
	CodeStorage          Code = "storage_unavailable"
)

// Error is the typed failure returned by scheduler operations. Validation
// errors are detected before any mutation, so a returned Error implies no
// state change.
type Error struct {
	Code    Code
	Message string

	// MuteRemaining is set for CodeContributorMuted.
	MuteRemaining time.Duration
	// QuotaCap is set for CodeQuotaExceeded.
	QuotaCap int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a scheduler Error from an error chain.
func AsError(err error) (*Error, bool) {
	var schedErr *Error
	if errors.As(err, &schedErr) {
		return schedErr, true
	}
	return nil, false
}

// IsCode reports whether err is a scheduler Error with the given code.
func IsCode(err error, code Code) bool {
	schedErr, ok := AsError(err)
	return ok && schedErr.Code == code
}

func errInvalidReference(ref string, cause error) *Error {
	return &Error{Code: CodeInvalidReference, Message: fmt.Sprintf("unusable track reference %q", ref), cause: cause}
}

func errContributorMuted(remaining time.Duration) *Error {
	return &Error{
		Code:          CodeContributorMuted,
		Message:       fmt.Sprintf("contributor is muted for another %s", remaining.Round(time.Second)),
		MuteRemaining: remaining,
	}
}

func errQuotaExceeded(cap int) *Error {
	return &Error{
		Code:     CodeQuotaExceeded,
		Message:  fmt.Sprintf("contributor already has %d tracks queued", cap),
		QuotaCap: cap,
	}
}

func errNotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}

func errForbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message}
}

func errStorage(cause error) *Error {
	return &Error{Code: CodeStorage, Message: "storage operation failed", cause: cause}
}
