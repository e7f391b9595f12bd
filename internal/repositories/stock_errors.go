package repositories

import "fmt"

// StockErrorCode enumerates repository error causes for stock operations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorInsufficient indicates requested quantity exceeds availability.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorNotFound indicates the product does not have a stock record.
	StockErrorNotFound StockErrorCode = "stock_not_found"
	// StockErrorInvalidQuantity indicates the mutation would drive a counter negative.
	StockErrorInvalidQuantity StockErrorCode = "stock_invalid_quantity"
)

// StockError wraps stock-specific failures with machine readable codes.
// Insufficiency errors also carry the quantities involved so callers can
// report available versus requested.
type StockError struct {
	Op        string
	Code      StockErrorCode
	Message   string
	Available int
	Requested int
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientStockError reports a failed reservation together with the
// quantities involved.
func NewInsufficientStockError(productID string, available, requested int) *StockError {
	return &StockError{
		Code:      StockErrorInsufficient,
		Message:   fmt.Sprintf("insufficient stock for %s: %d available, %d requested", productID, available, requested),
		Available: available,
		Requested: requested,
	}
}
