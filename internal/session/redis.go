package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantrylab/gantry/internal/errkind"
)

// RedisStore persists sessions in Redis so workers behind a sticky
// router can hand sessions to each other.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix defaults to
// "gantry:sess:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gantry:sess:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Load(ctx context.Context, id string) (map[string]any, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errkind.Newf(errkind.NotFound, "session_not_found", "no session %q", id)
		}
		return nil, errkind.Wrap(err, errkind.NotAvailable, "session store unavailable")
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errkind.Wrap(err, errkind.Internal, "corrupt session record")
	}
	return values, nil
}

func (s *RedisStore) Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(values)
	if err != nil {
		return errkind.Wrap(err, errkind.Internal, "encode session")
	}
	if err := s.client.Set(ctx, s.prefix+id, data, ttl).Err(); err != nil {
		return errkind.Wrap(err, errkind.NotAvailable, "session store unavailable")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return errkind.Wrap(err, errkind.NotAvailable, "session store unavailable")
	}
	return nil
}
