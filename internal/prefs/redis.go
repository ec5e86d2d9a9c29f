// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisHash is the hash that holds the preferences in Redis.
const DefaultRedisHash = "location-updates:prefs"

type hashClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Close() error
}

// RedisStore keeps the preferences as fields of a single Redis hash.
type RedisStore struct {
	client hashClient
	hash   string
}

// NewRedisStore connects to the Redis server at the given URL and verifies the connection.
func NewRedisStore(ctx context.Context, url, hash string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if hash == "" {
		hash = DefaultRedisHash
	}
	return &RedisStore{client: client, hash: hash}, nil
}

func (s *RedisStore) Bool(ctx context.Context, key string, def bool) (bool, error) {
	raw, err := s.client.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to read preference from redis: %w", err)
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%w: %s", ErrNotBool, key)
	}
	return val, nil
}

func (s *RedisStore) SetBool(ctx context.Context, key string, val bool) error {
	if err := s.client.HSet(ctx, s.hash, key, strconv.FormatBool(val)).Err(); err != nil {
		return fmt.Errorf("failed to write preference to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
