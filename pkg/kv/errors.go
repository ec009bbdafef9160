package kv

import (
	"errors"
	"fmt"
)

// Error codes. Where a FoundationDB error exists for the same condition the
// same number is used so logs read the same regardless of backend.
const (
	CodeTransactionTooOld    = 1007
	CodeNotCommitted         = 1020
	CodeCommitUnknownResult  = 1021
	CodeTransactionCancelled = 1025
	CodeAccessedUnreadable   = 1036
	CodeTagThrottled         = 1213
	CodeInvalidMutationType  = 2004
	CodeUsedDuringCommit     = 2017
	CodeKeyTooLarge          = 2102
	CodeValueTooLarge        = 2103
	CodeBackendFailure       = 4100
	CodeInvalidSelector      = 4101
)

// Error is returned by transactions. Retryable errors are absorbed by
// Database.Run; everything else is fatal for the transaction.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kv error %d (%s): %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("kv error %d (%s)", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so the package level
// sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the transaction may be retried from scratch.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTransactionTooOld, CodeNotCommitted, CodeCommitUnknownResult, CodeTagThrottled:
		return true
	default:
		return false
	}
}

// MaybeCommitted reports whether the failed commit may have been applied.
func (e *Error) MaybeCommitted() bool {
	return e.Code == CodeCommitUnknownResult
}

var (
	ErrTransactionTooOld    = &Error{Code: CodeTransactionTooOld, Message: "transaction_too_old"}
	ErrNotCommitted         = &Error{Code: CodeNotCommitted, Message: "not_committed"}
	ErrCommitUnknownResult  = &Error{Code: CodeCommitUnknownResult, Message: "commit_unknown_result"}
	ErrTransactionCancelled = &Error{Code: CodeTransactionCancelled, Message: "transaction_cancelled"}
	ErrAccessedUnreadable   = &Error{Code: CodeAccessedUnreadable, Message: "accessed_unreadable"}
	ErrInvalidMutationType  = &Error{Code: CodeInvalidMutationType, Message: "invalid_mutation_type"}
	ErrUsedDuringCommit     = &Error{Code: CodeUsedDuringCommit, Message: "used_during_commit"}
	ErrKeyTooLarge          = &Error{Code: CodeKeyTooLarge, Message: "key_too_large"}
	ErrValueTooLarge        = &Error{Code: CodeValueTooLarge, Message: "value_too_large"}
	ErrInvalidSelector      = &Error{Code: CodeInvalidSelector, Message: "invalid_key_selector"}
)

// NewError builds an error with the message of the matching sentinel.
func NewError(code int, err error) *Error {
	msg := "backend_failure"
	for _, s := range []*Error{
		ErrTransactionTooOld, ErrNotCommitted, ErrCommitUnknownResult, ErrTransactionCancelled,
		ErrAccessedUnreadable, ErrInvalidMutationType, ErrUsedDuringCommit, ErrKeyTooLarge,
		ErrValueTooLarge, ErrInvalidSelector,
	} {
		if s.Code == code {
			msg = s.Message
			break
		}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// BackendError wraps a non-retryable failure of the underlying store.
func BackendError(err error) *Error {
	return &Error{Code: CodeBackendFailure, Message: "backend_failure", Err: err}
}

// IsRetryable reports whether err carries a retryable *Error anywhere in its
// chain.
func IsRetryable(err error) bool {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Retryable()
	}
	return false
}
