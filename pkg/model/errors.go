package model

import "errors"

var (
	// ErrInvalidKey is returned for a secret key that is not 64 hex characters
	ErrInvalidKey = errors.New("watermark: invalid secret key")

	// ErrUnsupportedFormat is returned when no decoder or encoder exists for an input
	ErrUnsupportedFormat = errors.New("watermark: unsupported format")

	// ErrNoCapacity is returned when the sampling grid is empty or cannot absorb the overflow queue
	ErrNoCapacity = errors.New("watermark: no embedding capacity")

	// ErrInvalidParameters is returned for malformed kernels, strides, thresholds or images
	ErrInvalidParameters = errors.New("watermark: invalid parameters")

	// ErrChainCorruption is returned when the ledger fails linkage or hash checks
	ErrChainCorruption = errors.New("ledger: chain corruption")

	// ErrNotFound is returned when no ledger transaction matches a request
	ErrNotFound = errors.New("ledger: transaction not found")

	// ErrInvariant is returned when an internal invariant fails. It is never recoverable.
	ErrInvariant = errors.New("watermark: internal invariant violated")
)
