package types

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrKindValidation        ErrorKind = "ValidationError"
	ErrKindPermission        ErrorKind = "PermissionError"
	ErrKindEstimation        ErrorKind = "EstimationError"
	ErrKindInsufficientFunds ErrorKind = "InsufficientFundsError"
	ErrKindSubmission        ErrorKind = "SubmissionError"
	ErrKindRevert            ErrorKind = "RevertError"
	ErrKindTimeout           ErrorKind = "TimeoutError"
	ErrKindConnection        ErrorKind = "ConnectionError"
	ErrKindQuery             ErrorKind = "QueryError"
	ErrKindDecode            ErrorKind = "DecodeError"
	ErrKindInternal          ErrorKind = "InternalError"
)

var ErrNotFound = errors.New("transfer not found")

// TransferError is the structured cause persisted on a failed TransferRecord
type TransferError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Chain   string    `json:"chain,omitempty"`
	TxHash  string    `json:"txHash,omitempty"`
	cause   error
}

func NewError(kind ErrorKind, format string, args ...any) *TransferError {
	return &TransferError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func WrapError(kind ErrorKind, err error, format string, args ...any) *TransferError {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &TransferError{
		Kind:    kind,
		Message: msg,
		cause:   err,
	}
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: %s (tx %s)", e.Kind, e.Message, e.TxHash)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TransferError) Unwrap() error {
	return e.cause
}

func (e *TransferError) WithChain(chain string) *TransferError {
	e.Chain = chain
	return e
}

func (e *TransferError) WithTxHash(txHash string) *TransferError {
	e.TxHash = txHash
	return e
}

// KindOf returns the kind of the first TransferError in the chain, ErrKindInternal otherwise
func KindOf(err error) ErrorKind {
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return transferErr.Kind
	}
	return ErrKindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports errors caused by an unavailable or misbehaving node rather than by the transfer itself
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrKindConnection, ErrKindQuery:
		return true
	default:
		return false
	}
}

// AsTransferError converts any error into a TransferError, keeping the kind when one is present
func AsTransferError(err error, fallback ErrorKind) *TransferError {
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return transferErr
	}
	return WrapError(fallback, err, "unexpected error")
}

type InvalidTransitionError struct {
	ID   string
	From TransferStatus
	To   TransferStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for transfer %s: %s -> %s", e.ID, e.From, e.To)
}

func IsInvalidTransition(err error) bool {
	var transitionErr *InvalidTransitionError
	return errors.As(err, &transitionErr)
}
