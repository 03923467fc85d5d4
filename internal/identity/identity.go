// Package identity is the identity map (C4): a stable userId -> live
// connection id mapping with TTL, used by the signaling relay and the room
// coordinator to route targeted events.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/watchsync/party-server/internal/kv"
	"github.com/watchsync/party-server/internal/types"
)

func socketKey(userID types.UserID) string {
	return fmt.Sprintf("user_socket:%s", userID)
}

// Map is the identity repository.
type Map struct {
	kv  kv.Store
	ttl time.Duration
}

// New returns a Map backed by kv with the given refresh TTL.
func New(store kv.Store, ttl time.Duration) *Map {
	return &Map{kv: store, ttl: ttl}
}

// Set binds userID to connID, refreshing the TTL.
func (m *Map) Set(ctx context.Context, userID types.UserID, connID string) error {
	return m.kv.SetWithTTL(ctx, socketKey(userID), connID, m.ttl)
}

// Get returns the live connection id for userID, if the mapping exists and
// hasn't expired.
func (m *Map) Get(ctx context.Context, userID types.UserID) (string, bool, error) {
	return m.kv.Get(ctx, socketKey(userID))
}

// Remove deletes the mapping for userID.
func (m *Map) Remove(ctx context.Context, userID types.UserID) error {
	return m.kv.Delete(ctx, socketKey(userID))
}

// Exists reports whether userID currently has a live mapping.
func (m *Map) Exists(ctx context.Context, userID types.UserID) (bool, error) {
	return m.kv.Exists(ctx, socketKey(userID))
}

// Scan returns every userId currently mapped.
func (m *Map) Scan(ctx context.Context) ([]types.UserID, error) {
	keys, err := m.kv.ScanPrefix(ctx, "user_socket:")
	if err != nil {
		return nil, err
	}
	ids := make([]types.UserID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, types.UserID(k[len("user_socket:"):]))
	}
	return ids, nil
}
