package repositories

import "fmt"

// StockErrorCode enumerates stock bookkeeping failures detected by the backends.
type StockErrorCode string

const (
	StockErrorNotFound           StockErrorCode = "stock_not_found"
	StockErrorNegativeAllocation StockErrorCode = "stock_negative_allocation"
	// StockErrorOutsideTx means a row lock was requested without an open transaction.
	StockErrorOutsideTx StockErrorCode = "stock_lock_outside_tx"
)

// StockError reports a stock row that could not be read or written consistently.
type StockError struct {
	Op      string
	Code    StockErrorCode
	StockID string
	Err     error
}

func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.StockID != "" {
		msg += " (" + e.StockID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StockError) IsNotFound() bool    { return e != nil && e.Code == StockErrorNotFound }
func (e *StockError) IsConflict() bool    { return e != nil && e.Code != StockErrorNotFound }
func (e *StockError) IsUnavailable() bool { return false }
