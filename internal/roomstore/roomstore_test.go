package roomstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchsync/party-server/internal/kv"
	"github.com/watchsync/party-server/internal/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(kv.NewRedisStoreFromClient(client), 24*time.Hour)
	return store, mr
}

func newRoom(id types.RoomID, host types.User) *types.Room {
	return &types.Room{
		RoomID:    id,
		HostID:    host.UserID,
		HostName:  host.DisplayName,
		HostToken: "secret-token",
		VideoType: types.VideoTypeNone,
		Users:     []types.User{host},
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGet(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	host := types.User{UserID: "u1", DisplayName: "Alice", IsHost: true}
	room := newRoom("ABC123", host)
	require.NoError(t, store.Create(ctx, room))

	got, ok, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, room.HostID, got.HostID)
	assert.Equal(t, "secret-token", got.HostToken, "host token must survive the storage round trip")
	assert.Len(t, got.Users, 1)

	exists, err := store.Exists(ctx, "ABC123")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAddUserIsIdempotent(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	host := types.User{UserID: "u1", DisplayName: "Alice", IsHost: true}
	room := newRoom("ABC123", host)
	require.NoError(t, store.Create(ctx, room))

	guest := types.User{UserID: "u2", DisplayName: "Bob"}
	require.NoError(t, store.AddUser(ctx, "ABC123", guest))

	got, _, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Len(t, got.Users, 2)

	// Rebind: same userId, new display name should replace, not duplicate.
	guest.DisplayName = "Bobby"
	require.NoError(t, store.AddUser(ctx, "ABC123", guest))

	got, _, err = store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Len(t, got.Users, 2)
	u, found := got.FindUser("u2")
	require.True(t, found)
	assert.Equal(t, "Bobby", u.DisplayName)
}

func TestRemoveUserPromotesNextOnHostLeave(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	host := types.User{UserID: "u1", DisplayName: "Alice", IsHost: true}
	room := newRoom("ABC123", host)
	require.NoError(t, store.Create(ctx, room))
	require.NoError(t, store.AddUser(ctx, "ABC123", types.User{UserID: "u2", DisplayName: "Bob"}))

	updated, deleted, succeeded, err := store.RemoveUser(ctx, "ABC123", "u1")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, succeeded)
	assert.Equal(t, types.UserID("u2"), updated.HostID)
	assert.Equal(t, "Bob", updated.HostName)
	assert.True(t, updated.Users[0].IsHost)
}

func TestRemoveUserDeletesRoomWhenEmpty(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	host := types.User{UserID: "u1", DisplayName: "Alice", IsHost: true}
	room := newRoom("ABC123", host)
	require.NoError(t, store.Create(ctx, room))

	_, deleted, _, err := store.RemoveUser(ctx, "ABC123", "u1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetVideoResetsPlaybackState(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	host := types.User{UserID: "u1", DisplayName: "Alice", IsHost: true}
	room := newRoom("ABC123", host)
	room.VideoState = types.VideoState{IsPlaying: true, CurrentTime: 42}
	require.NoError(t, store.Create(ctx, room))

	meta := &types.VideoMeta{OriginalURL: "https://example.com/video.mp4"}
	updated, err := store.SetVideo(ctx, "ABC123", meta.OriginalURL, types.VideoTypeMP4, meta)
	require.NoError(t, err)
	assert.False(t, updated.VideoState.IsPlaying)
	assert.Zero(t, updated.VideoState.CurrentTime)
	assert.Equal(t, types.VideoTypeMP4, updated.VideoType)
}
