package cache

import (
	"context"
	"time"
)

// Entry is a cached HTTP response body plus enough metadata to replay it.
type Entry struct {
	Content     []byte            `json:"content"`
	Headers     map[string]string `json:"headers,omitempty"`
	StatusCode  int               `json:"statusCode"`
	ContentType string            `json:"contentType,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Lock is a held distributed lock. Release is idempotent.
type Lock interface {
	Release(ctx context.Context) error
}

// Provider is the pluggable response-cache backend. Implementations must be
// safe for concurrent use. AcquireLock has acquire-or-skip semantics: a nil
// Lock with a nil error means another holder won within the wait window.
type Provider interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	AcquireLock(ctx context.Context, key string, expiry, wait, retry time.Duration) (Lock, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
