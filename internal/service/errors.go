package service

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable code reported to clients and written to the audit log
type ErrorCode string

// Order placement error codes
const (
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeProductNotFound  ErrorCode = "PRODUCT_NOT_FOUND"
	CodeOutOfStock       ErrorCode = "OUT_OF_STOCK"
	CodeOrderIDCollision ErrorCode = "ORDER_ID_COLLISION"
	CodeStockUpdate      ErrorCode = "STOCK_UPDATE_ERROR"
	CodeInsert           ErrorCode = "INSERT_ERROR"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// ErrOrderNotFound is returned by admin operations for an unknown order id.
var ErrOrderNotFound = errors.New("order not found")

// ErrProductNotFound is returned by catalog reads for an unknown product id.
var ErrProductNotFound = errors.New("product not found")

// OrderError is a typed order placement failure
type OrderError struct {
	Code      ErrorCode
	Message   string
	ItemID    string
	Available *int
	Err       error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the client may resubmit the same request unchanged.
// Validation and stock errors need the user to change the cart first.
func (e *OrderError) Retryable() bool {
	switch e.Code {
	case CodeValidation, CodeProductNotFound, CodeOutOfStock:
		return false
	}
	return true
}

func newOrderError(code ErrorCode, message string, err error) *OrderError {
	return &OrderError{Code: code, Message: message, Err: err}
}

// AsOrderError extracts an *OrderError, wrapping anything else as INTERNAL_ERROR.
func AsOrderError(err error) *OrderError {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe
	}
	return newOrderError(CodeInternal, "Internal server error", err)
}
