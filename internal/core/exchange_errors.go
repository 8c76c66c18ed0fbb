package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCredentialsMissing indicates a signed call was attempted without both API key and secret.
	ErrCredentialsMissing = errors.New("api keys are missing")
	// ErrSymbolRequired indicates the endpoint needs a symbol to scope the query.
	ErrSymbolRequired = errors.New("symbol is required")
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrFilterFailure is a rejection against the exchange's symbol filters. It matches
	// ErrOrderRejected.
	ErrFilterFailure = fmt.Errorf("%w: filter failure", ErrOrderRejected)
	// ErrInvalidOrder indicates order-entry input that cannot be evaluated against filters.
	ErrInvalidOrder = errors.New("invalid order")
)

// IsAborted reports whether err comes from a cancelled request. Aborted requests are no-ops
// and must never be surfaced as user-facing failures.
func IsAborted(err error) bool {
	return errors.Is(err, context.Canceled)
}
