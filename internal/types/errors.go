package types

import "errors"

// Error taxonomy shared by the order book, ledger and history packages.
// pkg/response maps these onto HTTP status codes.
var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrIllegalTransition     = errors.New("illegal status transition")
	ErrNotEligible           = errors.New("order book not eligible")
	ErrNotFound              = errors.New("not found")
	ErrImmutabilityViolation = errors.New("immutable record")
	ErrCorruptSnapshot       = errors.New("corrupt order book snapshot")
)
