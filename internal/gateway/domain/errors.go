package domain

import "errors"

var (
	ErrProviderNotFound   = errors.New("gateway_provider_not_found")
	ErrMissingCredentials = errors.New("gateway_missing_credentials")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrGatewayRejected    = errors.New("gateway_rejected")
	ErrGatewayTimeout     = errors.New("gateway_timeout")
	ErrInvalidResponse    = errors.New("gateway_invalid_response")
	ErrInvalidReference   = errors.New("gateway_invalid_reference")
)
