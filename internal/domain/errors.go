package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the assistant.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrDuplicateIdentity is returned by the ERP when a customer with the same
// document already exists. Existing carries the record the ERP already has.
type ErrDuplicateIdentity struct {
	Document string
	Existing *Identity
}

func (e *ErrDuplicateIdentity) Error() string {
	return fmt.Sprintf("identity already exists for document %s", MaskDocument(e.Document))
}

// ErrUnsupported indicates the target integration cannot perform the
// operation at all. It is never retried.
type ErrUnsupported struct {
	Operation string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("operation not supported by this integration: %s", e.Operation)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrIllegalTransition is raised when a delta would move the debt status
// backwards or otherwise break a state invariant.
type ErrIllegalTransition struct {
	From   DebtStatus
	To     DebtStatus
	Reason string
}

func (e *ErrIllegalTransition) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal state change: %s", e.Reason)
	}
	return fmt.Sprintf("illegal debt status transition: %s -> %s", e.From, e.To)
}

// IsExternal reports whether err originates from a collaborator call
// (transport failure, timeout, open circuit, unexpected response).
func IsExternal(err error) bool {
	var ext *ErrExternalService
	var timeout *ErrTimeout
	var open *ErrCircuitOpen
	return errors.As(err, &ext) || errors.As(err, &timeout) || errors.As(err, &open)
}
