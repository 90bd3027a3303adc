package state

import "context"

// Store is the durable kv surface behind order idempotency keys and the
// closed-position journal. Values are opaque strings; callers own the
// encoding.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
