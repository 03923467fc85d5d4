// Package roomstore is the room repository (C2): CRUD for room records,
// membership mutations, and host succession, all backed by a kv.Store so
// multiple server instances can share room state.
package roomstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/watchsync/party-server/internal/kv"
	"github.com/watchsync/party-server/internal/types"
)

const activeRoomsKey = "active-rooms"

func roomKey(id types.RoomID) string {
	return fmt.Sprintf("room:%s", id)
}

// Store is the room repository.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

// storedRoom is the persistence shape. types.Room keeps hostToken out of its
// JSON so it can never leak onto the wire; the repository re-attaches it
// here so the secret survives a restart.
type storedRoom struct {
	*types.Room
	HostToken string `json:"hostToken"`
}

// New returns a Store backed by kv with the given room TTL.
func New(store kv.Store, ttl time.Duration) *Store {
	return &Store{kv: store, ttl: ttl}
}

// Create writes a brand-new room record and indexes its id in active-rooms.
func (s *Store) Create(ctx context.Context, room *types.Room) error {
	if err := s.write(ctx, room); err != nil {
		return err
	}
	return s.kv.SetAdd(ctx, activeRoomsKey, string(room.RoomID))
}

// Get returns the room record, or ok=false if it does not exist.
func (s *Store) Get(ctx context.Context, id types.RoomID) (*types.Room, bool, error) {
	raw, ok, err := s.kv.Get(ctx, roomKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var room types.Room
	sr := storedRoom{Room: &room}
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		return nil, false, fmt.Errorf("decode room %s: %w", id, err)
	}
	room.HostToken = sr.HostToken
	return &room, true, nil
}

// Exists reports whether a room record exists.
func (s *Store) Exists(ctx context.Context, id types.RoomID) (bool, error) {
	return s.kv.Exists(ctx, roomKey(id))
}

// Update overwrites the room record in place.
func (s *Store) Update(ctx context.Context, room *types.Room) error {
	return s.write(ctx, room)
}

// Delete removes the room record and its active-rooms index entry.
func (s *Store) Delete(ctx context.Context, id types.RoomID) error {
	if err := s.kv.Delete(ctx, roomKey(id)); err != nil {
		return err
	}
	return s.kv.SetRemove(ctx, activeRoomsKey, string(id))
}

func (s *Store) write(ctx context.Context, room *types.Room) error {
	raw, err := json.Marshal(storedRoom{Room: room, HostToken: room.HostToken})
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.RoomID, err)
	}
	return s.kv.SetWithTTL(ctx, roomKey(room.RoomID), string(raw), s.ttl)
}

// AddUser appends user to the room, removing any prior entry with the same
// id first (idempotent — handles a rebind-on-reconnect).
func (s *Store) AddUser(ctx context.Context, id types.RoomID, user types.User) error {
	room, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("room %s not found", id)
	}

	filtered := room.Users[:0]
	for _, u := range room.Users {
		if u.UserID != user.UserID {
			filtered = append(filtered, u)
		}
	}
	room.Users = append(filtered, user)
	return s.Update(ctx, room)
}

// RemoveUser removes a single user from the room. If the room becomes
// empty it is deleted. If the removed user was the primary host, the next
// user in join order is promoted and hostId/hostName are mirrored.
//
// Returns the updated room (nil if the room was deleted) and whether a
// succession occurred.
func (s *Store) RemoveUser(ctx context.Context, id types.RoomID, userID types.UserID) (room *types.Room, deleted bool, succeeded bool, err error) {
	room, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, false, err
	}

	removedWasHost := room.HostID == userID
	filtered := room.Users[:0]
	for _, u := range room.Users {
		if u.UserID != userID {
			filtered = append(filtered, u)
		}
	}
	room.Users = filtered

	if len(room.Users) == 0 {
		return nil, true, false, s.Delete(ctx, id)
	}

	if removedWasHost {
		room.Users[0].IsHost = true
		room.HostID = room.Users[0].UserID
		room.HostName = room.Users[0].DisplayName
		succeeded = true
	}

	if err := s.Update(ctx, room); err != nil {
		return nil, false, false, err
	}
	return room, false, succeeded, nil
}

// SetVideo attaches resolver output to the room and resets playback state:
// changing the video always zeroes the clock.
func (s *Store) SetVideo(ctx context.Context, id types.RoomID, url string, videoType types.VideoType, meta *types.VideoMeta) (*types.Room, error) {
	room, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("room %s not found", id)
	}

	room.VideoURL = url
	room.VideoType = videoType
	room.VideoMeta = meta
	room.VideoState = types.VideoState{LastUpdateTime: time.Now()}

	if err := s.Update(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// UpdateVideoState overwrites the authoritative playback clock.
func (s *Store) UpdateVideoState(ctx context.Context, id types.RoomID, state types.VideoState) (*types.Room, error) {
	room, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("room %s not found", id)
	}
	room.VideoState = state
	if err := s.Update(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// RoomIDExists reports whether a room record is already stored under
// roomID, used by create-room's collision-retry loop.
func (s *Store) RoomIDExists(ctx context.Context, id types.RoomID) (bool, error) {
	return s.Exists(ctx, id)
}

// Members returns the current member ids of a room, used by the signaling
// relay to target room-wide broadcasts (participant-count, peer-joined)
// without importing this package's Room type.
func (s *Store) Members(ctx context.Context, id types.RoomID) ([]types.UserID, error) {
	room, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	return userIDsOf(room.Users), nil
}

func userIDsOf(users []types.User) []types.UserID {
	out := make([]types.UserID, len(users))
	for i, u := range users {
		out[i] = u.UserID
	}
	return out
}
