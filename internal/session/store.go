package session

import (
	"context"
	"time"
)

// Store abstracts session persistence. Load returns ErrNotFound (via
// errkind) for unknown or expired ids so callers can mint a fresh
// session instead of failing the request.
type Store interface {
	Load(ctx context.Context, id string) (map[string]any, error)
	Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}
