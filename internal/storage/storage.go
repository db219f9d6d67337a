package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the persisted result of one successful handler execution.
// Records are immutable once written and disappear when their TTL lapses.
type Record struct {
	Data             json.RawMessage   `json:"data"`
	StatusCode       int               `json:"status_code"`
	Headers          map[string]string `json:"headers"`
	RequestSignature string            `json:"request_signature"`
}

// Backend is the capability contract the coordinator depends on. Any
// key-value store with an atomic conditional set can satisfy it.
//
// Get returns (nil, nil) when no live record exists for the key. A value
// that is present but undecodable is an error, never a miss.
type Backend interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error

	// AcquireLock atomically creates a TTL-bounded lock marker for key if
	// none is live, reporting whether this caller won. At most one
	// concurrent caller may win per live marker.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLock removes the marker for key. Releasing an absent lock is
	// not an error.
	ReleaseLock(ctx context.Context, key string) error
}
