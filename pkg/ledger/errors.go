package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service. Anything not on
// this list that escapes a Store is a transient persistence failure: nothing
// was committed and the whole operation is safe to retry.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrBalanceNotFound        = errors.New("balance not found")
	ErrBalanceExists          = errors.New("balance already exists")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrDuplicateExternalRef   = errors.New("duplicate external reference")
	ErrPackageNotFound        = errors.New("credit package not found")
	ErrPackageInactive        = errors.New("credit package inactive")
	ErrInvoiceNotFound        = errors.New("invoice not found")
	ErrInvoiceExists          = errors.New("invoice already exists")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidPage            = errors.New("invalid page")
	ErrInvalidLimit           = errors.New("invalid limit")
	ErrInvalidFilter          = errors.New("invalid filter")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
