package repositories

import "fmt"

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted means the sequence would overflow int64.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter failures with a machine readable code.
type CounterError struct {
	Name string
	Code CounterErrorCode
	Err  error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("counter %s: %s: %v", e.Name, e.Code, e.Err)
	}
	return fmt.Sprintf("counter %s: %s", e.Name, e.Code)
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
