package apperrors

import "errors"

// Standardized Simulator Errors
var (
	ErrConfiguration  = errors.New("invalid configuration")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrMargin         = errors.New("margin requirement violated")
	ErrDuplicateOrder = errors.New("duplicate order")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrNetwork        = errors.New("network error")
)
