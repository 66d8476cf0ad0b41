package domain

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrDuplicatePurchase   = errors.New("duplicate_purchase")
	ErrGatewayError        = errors.New("gateway_error")
	ErrNotFound            = errors.New("not_found")
	ErrAlreadyAttached     = errors.New("already_attached")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrDuplicateCompletion = errors.New("duplicate_completion")
	ErrUnauthenticated     = errors.New("unauthenticated")
)
