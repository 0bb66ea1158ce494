// Package kv provides the narrow datastore surface the broker runs on.
//
// The broker doesn't import a specific driver — it programs against the
// Store and PubSub interfaces here, and cmd code creates the concrete
// go-redis adapter and injects it. The adapter moves strings; it never
// interprets values. Multi-step sequencing lives in the broker, not here.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing key or hash field. Callers that treat
// absence as a normal outcome check with errors.Is.
var ErrNotFound = errors.New("kv: not found")

// Store is the key-value surface the broker composes its sequences from.
// Every call is an atomic operation of the underlying datastore; there is
// no transactional primitive across calls.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeDesc returns members ordered highest score first.
	ZRangeDesc(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ZRemRangeByRank removes members by ascending rank, lowest score first.
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LPop removes and returns up to count entries from the head.
	LPop(ctx context.Context, key string, count int64) ([]string, error)
}

// PubSub is the live fan-out surface. Separate from Store because
// subscriptions have a different lifetime than request-scoped operations.
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe registers a handler for messages on a channel and returns
	// an unsubscribe function. The handler runs on the adapter's reader
	// goroutine; it must not block.
	Subscribe(ctx context.Context, channel string, handler func(payload string)) (func(), error)
}
