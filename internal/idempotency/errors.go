package idempotency

import "errors"

var (
	// ErrMissingKey is returned when the Idempotency-Key header is absent
	// but the coordinator requires one. The handler is never invoked.
	ErrMissingKey = errors.New("missing Idempotency-Key header")

	// ErrSignatureConflict is returned when a cached record exists for the
	// key but its request signature does not match the current request.
	ErrSignatureConflict = errors.New("request payload does not match previous Idempotency-Key usage")

	// ErrInProgress is returned when another execution holds the lock for
	// the key and no cached result appeared within the configured wait.
	ErrInProgress = errors.New("request with this Idempotency-Key is already being processed")
)
