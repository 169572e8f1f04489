package domain

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Structured errors below match their sentinel.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrSequencerExhausted = errors.New("transaction sequencer exhausted")
	ErrUnauthorized       = errors.New("not authorized")
	ErrPersistence        = errors.New("persistence failure")
	ErrNotFound           = errors.New("not found")
)

const (
	CodeEmptyCart         = "empty_cart"
	CodeInvalidLine       = "invalid_line"
	CodeInvalidPercentage = "invalid_percentage"
	CodeInvalidPayment    = "invalid_payment"
	CodeInvalidPhone      = "invalid_phone"
	CodeInvalidRequest    = "invalid_request"
)

// ValidationError describes a request the caller can fix and resubmit.
// Line is the zero-based cart line for CodeInvalidLine, -1 otherwise.
type ValidationError struct {
	Code   string
	Field  string
	Line   int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line >= 0 && e.Code == CodeInvalidLine {
		return fmt.Sprintf("%s: line %d %s: %s", e.Code, e.Line, e.Field, e.Reason)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(code string, field string, reason string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Line: -1, Reason: reason}
}

// NewStockLimitError reports a stock change that would push a product past
// MaxStockQuantity.
func NewStockLimitError(productID string, current int, delta int) *ValidationError {
	return NewValidationError(CodeInvalidRequest, "quantity",
		fmt.Sprintf("stock of %s would exceed %d (current %d, change %+d)", productID, MaxStockQuantity, current, delta))
}

func NewLineError(line int, field string, reason string) *ValidationError {
	return &ValidationError{Code: CodeInvalidLine, Field: field, Line: line, Reason: reason}
}

type InsufficientStockError struct {
	ProductID string
	SKU       string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.label(), e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func (e *InsufficientStockError) label() string {
	if e.SKU != "" {
		return e.SKU
	}
	return e.ProductID
}

// AuthorizationError carries only the caller's own identity and the denied
// operation, never anything about the resource owner.
type AuthorizationError struct {
	ActorID   string
	Operation string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s not permitted for %s", e.Operation, e.ActorID)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// PersistenceError wraps an infrastructure failure of the storage unit of
// work. Nothing was committed, so the call is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsEngineError reports whether err already belongs to the engine taxonomy.
func IsEngineError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrSequencerExhausted) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrNotFound)
}
