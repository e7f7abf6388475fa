package models

import "errors"

var (
	// ErrRateLimited reports that the embedding provider (or the local
	// provider gate) throttled the call. It is the only retryable failure.
	ErrRateLimited = errors.New("embedding provider rate limited")

	// ErrMalformedResponse reports a provider response whose vectors cannot be
	// matched positionally to the request input.
	ErrMalformedResponse = errors.New("malformed embedding response")

	ErrNoFields     = errors.New("record has no data fields")
	ErrNonTextField = errors.New("record field is not a string")
)
