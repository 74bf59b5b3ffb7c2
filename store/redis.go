package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// advanceCursor stores ARGV[1] in KEYS[1] unless the stored value is larger.
var advanceCursor = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = tonumber(ARGV[1])
if next > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	return next
end
return cur
`)

// Redis persists room state in Redis, for deployments where several
// processes of the same user session share state.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redisURL. prefix namespaces keys (e.g. by user id).
func NewRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (s *Redis) cursorKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:last_read", s.prefix, roomID)
}

func (s *Redis) roleKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:role", s.prefix, roomID)
}

func (s *Redis) LoadCursor(ctx context.Context, roomID string) (int64, error) {
	id, err := s.client.Get(ctx, s.cursorKey(roomID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return id, err
}

func (s *Redis) SaveCursor(ctx context.Context, roomID string, id int64) error {
	return advanceCursor.Run(ctx, s.client, []string{s.cursorKey(roomID)}, id).Err()
}

func (s *Redis) LoadRole(ctx context.Context, roomID string) (string, error) {
	role, err := s.client.Get(ctx, s.roleKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return role, err
}

func (s *Redis) SaveRole(ctx context.Context, roomID, role string) error {
	return s.client.Set(ctx, s.roleKey(roomID), role, 0).Err()
}

func (s *Redis) Forget(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, s.cursorKey(roomID), s.roleKey(roomID)).Err()
}

// Close closes the Redis connection.
func (s *Redis) Close() error {
	return s.client.Close()
}
