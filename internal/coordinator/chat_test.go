package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/types"
)

func TestSendMessageStampsAndBroadcastsToWholeRoom(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	bob := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")
	ctx := context.Background()

	outcome, err := env.coord.SendMessage(ctx, created.RoomID, bob.CallerID, events.SendMessagePayload{
		RoomID:  string(created.RoomID),
		Message: "hello party",
	})
	require.NoError(t, err)

	assert.Equal(t, events.EventNewMessage, outcome.Announce.Event)
	assert.ElementsMatch(t, []types.UserID{created.Room.HostID, bob.CallerID}, outcome.AnnounceTo)

	msg := outcome.Announce.Payload.(events.NewMessagePayload).Message
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, bob.CallerID, msg.UserID)
	assert.Equal(t, "Bob", msg.UserName)
	assert.Equal(t, created.RoomID, msg.RoomID)
	assert.WithinDuration(t, time.Now(), msg.Timestamp, 2*time.Second)

	history, err := env.chats.Recent(ctx, created.RoomID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")

	_, err := env.coord.SendMessage(context.Background(), created.RoomID, "stranger", events.SendMessagePayload{
		RoomID:  string(created.RoomID),
		Message: "hi",
	})
	assert.Equal(t, events.ErrNotAuthenticated, codedErr(t, err).Code)
}

func TestChatHistoryStaysBounded(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := env.coord.SendMessage(ctx, created.RoomID, created.Room.HostID, events.SendMessagePayload{
			RoomID:  string(created.RoomID),
			Message: fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}

	history, err := env.chats.Recent(ctx, created.RoomID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(history), 20)
	// Oldest-first retrieval keeps the most recent messages.
	assert.Equal(t, "message 24", history[len(history)-1].Message)
}

func TestToggleReactionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	bob := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")
	ctx := context.Background()

	sent, err := env.coord.SendMessage(ctx, created.RoomID, created.Room.HostID, events.SendMessagePayload{
		RoomID:  string(created.RoomID),
		Message: "react to me",
	})
	require.NoError(t, err)
	msgID := sent.Announce.Payload.(events.NewMessagePayload).Message.ID

	added, err := env.coord.ToggleReaction(ctx, created.RoomID, bob.CallerID, events.ToggleReactionPayload{
		RoomID:    string(created.RoomID),
		MessageID: string(msgID),
		Emoji:     "👍",
	})
	require.NoError(t, err)

	addedPayload := added.Announce.Payload.(events.ReactionUpdatedPayload)
	assert.Equal(t, "added", addedPayload.Action)
	assert.Equal(t, []types.UserID{bob.CallerID}, addedPayload.Reactions["👍"])

	removed, err := env.coord.ToggleReaction(ctx, created.RoomID, bob.CallerID, events.ToggleReactionPayload{
		RoomID:    string(created.RoomID),
		MessageID: string(msgID),
		Emoji:     "👍",
	})
	require.NoError(t, err)

	removedPayload := removed.Announce.Payload.(events.ReactionUpdatedPayload)
	assert.Equal(t, "removed", removedPayload.Action)
	assert.Empty(t, removedPayload.Reactions["👍"])

	// Toggle twice leaves the stored history exactly where it started.
	history, err := env.chats.Recent(ctx, created.RoomID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Empty(t, history[0].Reactions["👍"])
}

func TestToggleReactionUnknownMessage(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")

	_, err := env.coord.ToggleReaction(context.Background(), created.RoomID, created.Room.HostID, events.ToggleReactionPayload{
		RoomID:    string(created.RoomID),
		MessageID: "no-such-message",
		Emoji:     "👍",
	})
	assert.Equal(t, events.ErrValidationFailed, codedErr(t, err).Code)
}

func TestTypingStartFansOutAndExpires(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	bob := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")
	ctx := context.Background()

	outcome, err := env.coord.TypingStart(ctx, created.RoomID, bob.CallerID)
	require.NoError(t, err)
	assert.Equal(t, events.EventUserTyping, outcome.Announce.Event)
	assert.Equal(t, []types.UserID{created.Room.HostID}, outcome.AnnounceTo)

	// The idle timer fires user-stopped-typing on Bob's behalf.
	require.Eventually(t, func() bool {
		return env.pub.countFor(created.Room.HostID, events.EventUserStoppedTyping) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTypingStopCancelsIdleTimer(t *testing.T) {
	env := newTestEnv(t)
	created := createRoom(t, env, "Alice")
	bob := joinGuest(t, env, created.RoomID, "Bob", "conn-bob")
	ctx := context.Background()

	_, err := env.coord.TypingStart(ctx, created.RoomID, bob.CallerID)
	require.NoError(t, err)

	outcome, err := env.coord.TypingStop(ctx, created.RoomID, bob.CallerID)
	require.NoError(t, err)
	assert.Equal(t, events.EventUserStoppedTyping, outcome.Announce.Event)

	// Give the (cancelled) idle timer time to misfire; nothing may arrive
	// beyond what the explicit stop produced.
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, env.pub.countFor(created.Room.HostID, events.EventUserStoppedTyping),
		"idle expiry must not fire after an explicit typing-stop")
}
