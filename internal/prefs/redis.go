/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package prefs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "grimnir:listen:prefs:" // + namespace

// Redis keeps preferences in one hash per namespace so several consoles of
// the same operator share volume and mute.
type Redis struct {
	client *redis.Client
	key    string
}

// OpenRedis connects to Redis. When the server does not answer the ping, an
// in-memory store is returned instead and the failure is logged.
func OpenRedis(cfg Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "prefs").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis prefs unavailable, keeping preferences in memory")
		return NewMemory(), nil
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	logger.Info().Str("addr", cfg.RedisAddr).Str("namespace", ns).Msg("Redis prefs initialized")
	return NewRedis(client, ns), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, key: redisKeyPrefix + namespace}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
