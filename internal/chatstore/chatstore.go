// Package chatstore is the chat repository (C3): a bounded per-room message
// list with reaction read-modify-write, serialized per (roomId, messageId)
// so concurrent toggle-reaction calls can't interleave and drop an update.
package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/watchsync/party-server/internal/kv"
	"github.com/watchsync/party-server/internal/types"
)

func chatKey(roomID types.RoomID) string {
	return fmt.Sprintf("chat:%s", roomID)
}

// Store is the chat repository.
type Store struct {
	kv    kv.Store
	ttl   time.Duration
	limit int64 // N most recent messages retained per room

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Store backed by kv, retaining at most limit messages per
// room.
func New(store kv.Store, ttl time.Duration, limit int) *Store {
	return &Store{
		kv:    store,
		ttl:   ttl,
		limit: int64(limit),
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns a mutex keyed by (roomId, messageId), creating it on
// first use. It serializes the reaction read-modify-write.
func (s *Store) lockFor(roomID types.RoomID, messageID types.MessageID) *sync.Mutex {
	key := fmt.Sprintf("%s:%s", roomID, messageID)

	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Append pushes a new message onto the front of the room's history and
// trims it back down to the configured limit. Retrieval (Recent) returns
// oldest-first, so the list is stored newest-first internally.
func (s *Store) Append(ctx context.Context, roomID types.RoomID, msg types.ChatMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode chat message %s: %w", msg.ID, err)
	}

	key := chatKey(roomID)
	if err := s.kv.ListPushLeft(ctx, key, string(raw)); err != nil {
		return err
	}
	return s.kv.ListTrim(ctx, key, 0, s.limit-1)
}

// Recent returns the room's stored chat history, oldest-first.
func (s *Store) Recent(ctx context.Context, roomID types.RoomID) ([]types.ChatMessage, error) {
	raws, err := s.kv.ListRange(ctx, chatKey(roomID), 0, -1)
	if err != nil {
		return nil, err
	}

	msgs := make([]types.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var msg types.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode chat message: %w", err)
		}
		msgs = append(msgs, msg)
	}

	// Stored newest-first; callers expect oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ReactionResult is returned by UpdateReactions describing the toggle that
// occurred, for the caller to broadcast.
type ReactionResult struct {
	Message types.ChatMessage
	Action  string // "added" or "removed"
	Found   bool
}

// UpdateReactions atomically toggles userID's membership in
// reactions[emoji] on the message with the given id: scans the list,
// rewrites the matching entry in place, returns the new value. Serialized
// per (roomId, messageId) via a keyed mutex so concurrent toggles by
// different users never clobber each other.
func (s *Store) UpdateReactions(ctx context.Context, roomID types.RoomID, messageID types.MessageID, userID types.UserID, emoji string) (ReactionResult, error) {
	lock := s.lockFor(roomID, messageID)
	lock.Lock()
	defer lock.Unlock()

	key := chatKey(roomID)
	raws, err := s.kv.ListRange(ctx, key, 0, -1)
	if err != nil {
		return ReactionResult{}, err
	}

	for i, raw := range raws {
		var msg types.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return ReactionResult{}, fmt.Errorf("decode chat message: %w", err)
		}
		if msg.ID != messageID {
			continue
		}

		action := toggleReaction(&msg, userID, emoji)

		updated, err := json.Marshal(msg)
		if err != nil {
			return ReactionResult{}, fmt.Errorf("encode chat message %s: %w", msg.ID, err)
		}
		if err := s.kv.ListSetAt(ctx, key, int64(i), string(updated)); err != nil {
			return ReactionResult{}, err
		}

		return ReactionResult{Message: msg, Action: action, Found: true}, nil
	}

	return ReactionResult{Found: false}, nil
}

// toggleReaction mutates msg.Reactions in place: if userID is already in
// reactions[emoji], remove it ("removed"); else add it ("added"). Returns
// the action taken. Reaction idempotence invariant: toggling twice restores
// the original state exactly.
func toggleReaction(msg *types.ChatMessage, userID types.UserID, emoji string) string {
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]types.UserID)
	}

	members := msg.Reactions[emoji]
	for i, u := range members {
		if u == userID {
			msg.Reactions[emoji] = append(members[:i], members[i+1:]...)
			if len(msg.Reactions[emoji]) == 0 {
				delete(msg.Reactions, emoji)
			}
			return "removed"
		}
	}

	msg.Reactions[emoji] = append(members, userID)
	return "added"
}
