package models

import "fmt"

// InvalidArgumentError reports an empty or otherwise unusable argument.
// It is raised before any network call is made.
type InvalidArgumentError struct {
	Param  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Param, e.Reason)
}

// OutOfRangeError reports a numeric argument outside its allowed bounds.
type OutOfRangeError struct {
	Param    string
	Value    int64
	Min, Max int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s must be between %d and %d, got %d", e.Param, e.Min, e.Max, e.Value)
}

// InvalidPeriodError reports a candle period that does not map onto one of
// the exchange's supported bucket sizes, or an upstream "bad period" code.
type InvalidPeriodError struct {
	PeriodSec int
}

func (e *InvalidPeriodError) Error() string {
	return fmt.Sprintf("invalid period %d", e.PeriodSec)
}

// ExchangeError carries an upstream failure code and message verbatim.
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("code: %d; message: %s", e.Code, e.Message)
}
