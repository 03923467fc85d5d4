package coordinator

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/types"
)

var roomIDShape = regexp.MustCompile(`^[A-Z0-9]{6}$`)

func TestCreateRoomMintsHostAndToken(t *testing.T) {
	env := newTestEnv(t)

	created := createRoom(t, env, "Alice")

	assert.Regexp(t, roomIDShape, string(created.RoomID))
	assert.NotEmpty(t, created.HostToken)
	require.Len(t, created.Room.Users, 1)
	assert.True(t, created.Room.Users[0].IsHost)
	assert.Equal(t, created.Room.HostID, created.Room.Users[0].UserID)
	assert.Equal(t, "Alice", created.Room.HostName)

	stored, ok, err := env.rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.Room.HostID, stored.HostID)
}

func TestJoinRoomAnnouncesGuestToOthersOnly(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")

	outcome := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")

	assert.Equal(t, events.EventRoomJoined, outcome.ToCaller.Event)
	require.NotNil(t, outcome.Announce)
	assert.Equal(t, events.EventUserJoined, outcome.Announce.Event)
	// Announced to Alice only, never echoed to Bob.
	assert.Equal(t, []types.UserID{created.Room.HostID}, outcome.AnnounceTo)

	joined := outcome.ToCaller.Payload.(events.RoomJoinedPayload)
	assert.Len(t, joined.Room.Users, 2)
	assert.NotEqual(t, created.Room.HostID, outcome.CallerID)
}

func TestJoinRoomUnknownRoom(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.coord.JoinRoom(context.Background(), "conn-x", events.JoinRoomPayload{
		RoomID:   "ZZZZZZ",
		UserName: "Bob",
	})
	assert.Equal(t, events.ErrRoomNotFound, codedErr(t, err).Code)
}

func TestJoinRoomHostImpersonationBlocked(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	joinGuest(t, env, created.RoomID, "Bob", "conn-bob")

	_, err := env.coord.JoinRoom(context.Background(), "conn-mallory", events.JoinRoomPayload{
		RoomID:   string(created.RoomID),
		UserName: "Alice",
	})
	assert.Equal(t, events.ErrInvalidHostCreds, codedErr(t, err).Code)

	room, _, getErr := env.rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, getErr)
	assert.Len(t, room.Users, 2)
}

func TestJoinRoomHostReconnectWithToken(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")

	outcome, err := env.coord.JoinRoom(context.Background(), "conn-new", events.JoinRoomPayload{
		RoomID:    string(created.RoomID),
		UserName:  "Alice",
		HostToken: created.HostToken,
	})
	require.NoError(t, err)

	// A reconnect rebinds the existing identity and stays silent to the room.
	assert.Equal(t, created.Room.HostID, outcome.CallerID)
	assert.Nil(t, outcome.Announce)

	connID, ok, err := env.ids.Get(context.Background(), created.Room.HostID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conn-new", connID)
}

func TestJoinRoomGuestReconnectByName(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	first := joinGuest(t, env, created.RoomID, "Bob", "conn-bob-1")

	second := joinGuest(t, env, created.RoomID, "Bob", "conn-bob-2")

	assert.Equal(t, first.CallerID, second.CallerID)
	assert.Nil(t, second.Announce)

	room, _, err := env.rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	assert.Len(t, room.Users, 2)
}

func TestLeaveRoomPrimaryHostClosesRoom(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	guest := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")

	outcome, err := env.coord.LeaveRoom(context.Background(), created.RoomID, created.Room.HostID)
	require.NoError(t, err)

	assert.True(t, outcome.RoomClosed)
	assert.Equal(t, events.EventRoomError, outcome.Announce.Event)
	assert.Equal(t, events.ErrHostLeft, outcome.Announce.Payload.(events.RoomErrorPayload).Error)
	assert.Equal(t, []types.UserID{guest.CallerID}, outcome.AnnounceTo)

	_, ok, err := env.rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	assert.False(t, ok, "room record must be gone")

	exists, err := env.ids.Exists(context.Background(), guest.CallerID)
	require.NoError(t, err)
	assert.False(t, exists, "identity mappings must be dropped on close")
}

func TestLeaveRoomGuestOnlyRemovesGuest(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	guest := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")

	outcome, err := env.coord.LeaveRoom(context.Background(), created.RoomID, guest.CallerID)
	require.NoError(t, err)

	assert.False(t, outcome.RoomClosed)
	assert.Equal(t, events.EventUserLeft, outcome.Announce.Event)
	assert.Equal(t, []types.UserID{created.Room.HostID}, outcome.AnnounceTo)

	room, ok, err := env.rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, room.Users, 1)
	assert.Equal(t, created.Room.HostID, room.HostID)
}

func TestPromoteHostRequiresHostAndKeepsPrimary(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	bob := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")
	carol := joinGuest(t, env, created.RoomID, "Carol", "conn-carol")

	_, err := env.coord.PromoteHost(context.Background(), created.RoomID, bob.CallerID, carol.CallerID)
	assert.Equal(t, events.ErrHostOnly, codedErr(t, err).Code)

	outcome, err := env.coord.PromoteHost(context.Background(), created.RoomID, created.Room.HostID, bob.CallerID)
	require.NoError(t, err)
	assert.Equal(t, events.EventUserPromoted, outcome.Announce.Event)

	room, _, err := env.rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	promoted, found := room.FindUser(bob.CallerID)
	require.True(t, found)
	assert.True(t, promoted.IsHost)
	// Primary host is unchanged by promotion.
	assert.Equal(t, created.Room.HostID, room.HostID)
}

func TestKickUserRules(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	bob := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")
	carol := joinGuest(t, env, created.RoomID, "Carol", "conn-carol")

	// Guests may not kick.
	_, err := env.coord.KickUser(context.Background(), created.RoomID, bob.CallerID, carol.CallerID)
	assert.Equal(t, events.ErrHostOnly, codedErr(t, err).Code)

	// Hosts may not kick other hosts.
	_, err = env.coord.PromoteHost(context.Background(), created.RoomID, created.Room.HostID, bob.CallerID)
	require.NoError(t, err)
	_, err = env.coord.KickUser(context.Background(), created.RoomID, created.Room.HostID, bob.CallerID)
	assert.Equal(t, events.ErrHostOnly, codedErr(t, err).Code)

	outcome, err := env.coord.KickUser(context.Background(), created.RoomID, created.Room.HostID, carol.CallerID)
	require.NoError(t, err)
	assert.Equal(t, carol.CallerID, outcome.KickedID)
	assert.Equal(t, events.EventUserKicked, outcome.Announce.Event)
	assert.Equal(t, events.EventUserLeft, outcome.LeftAnn.Event)

	room, _, err := env.rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	_, found := room.FindUser(carol.CallerID)
	assert.False(t, found)
}

func TestHostLivenessInvariant(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	bob := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")

	// Remove the primary host through the repository path (succession) and
	// verify a host remains.
	updated, deleted, succeeded, err := env.rooms.RemoveUser(context.Background(), created.RoomID, created.Room.HostID)
	require.NoError(t, err)
	require.False(t, deleted)
	assert.True(t, succeeded)
	assert.Equal(t, bob.CallerID, updated.HostID)

	hasHost := false
	for _, u := range updated.Users {
		if u.IsHost {
			hasHost = true
		}
	}
	assert.True(t, hasHost)
}
