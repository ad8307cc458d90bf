package domain

import "errors"

var (
	ErrNotFound          = errors.New("merchant_not_found")
	ErrInvalidID         = errors.New("invalid_merchant_id")
	ErrAmbiguousCustomer = errors.New("ambiguous_polar_customer")
)
