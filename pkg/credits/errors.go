package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service and reconciler.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrSubscriptionRequired     = errors.New("subscription required")
	ErrNoCreditsNeeded          = errors.New("no credits needed")
	ErrEventAlreadyProcessed    = errors.New("event already processed")
	ErrUnknownPlanPrice         = errors.New("no credit mapping for price")
	ErrUnknownJob               = errors.New("unknown job")
	ErrJobExists                = errors.New("job already exists")
	ErrUnknownBalance           = errors.New("unknown balance")
	ErrInvalidTenantID          = errors.New("invalid tenant id")
	ErrInvalidJobID             = errors.New("invalid job id")
	ErrInvalidJobName           = errors.New("invalid job name")
	ErrInvalidPriceID           = errors.New("invalid price id")
	ErrInvalidInvoiceID         = errors.New("invalid invoice id")
	ErrInvalidCheckoutSessionID = errors.New("invalid checkout session id")
	ErrInvalidCreditAmount      = errors.New("invalid credit amount")
	ErrInvalidEmailBatch        = errors.New("invalid email batch")
	ErrBatchTooLarge            = errors.New("email batch too large")
	ErrInvalidBillingEvent      = errors.New("invalid billing event")
	ErrInvalidPlanCatalog       = errors.New("invalid plan catalog")
	ErrInvalidCheckoutRequest   = errors.New("invalid checkout request")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientCreditsError carries the figures the UI needs to explain a
// rejected spend. It is a first-class outcome, not an internal failure.
type InsufficientCreditsError struct {
	Available int64
	Required  int64
}

// Error returns the formatted error message.
func (insufficientError *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %d, required %d", insufficientError.Available, insufficientError.Required)
}

// Unwrap ties the typed error to the ErrInsufficientCredits sentinel.
func (insufficientError *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

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
