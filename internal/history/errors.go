package history

import "errors"

// Sentinel errors surfaced to the HTTP layer for status mapping.
var (
	// ErrTooManyRequests maps an upstream 429 through to the caller.
	ErrTooManyRequests = errors.New("upstream rate limited")

	// ErrSymbolNotFound marks an upstream rejection of the symbol.
	ErrSymbolNotFound = errors.New("unknown symbol")

	// ErrBadGateway covers every other upstream rejection.
	ErrBadGateway = errors.New("upstream request failed")

	// ErrInvalidInterval marks an interval outside the closed set.
	ErrInvalidInterval = errors.New("invalid interval")
)
