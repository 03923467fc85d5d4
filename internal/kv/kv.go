// Package kv is the thin, circuit-broken key-value adapter (C1) every
// repository in this server is built on: rooms, chat history, and identity
// mappings all sit behind this interface so a second server instance can
// share state through the same backing store.
package kv

import (
	"context"
	"time"
)

// Store is the capability set every repository needs: scalar get/set with
// TTL, lists (for chat history), sets (for active-room/signaling indexes),
// and a cursor-based prefix scan.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	MultiGet(ctx context.Context, keys []string) ([]string, error)

	ListPushLeft(ctx context.Context, key, value string) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListSetAt(ctx context.Context, key string, index int64, value string) error

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
