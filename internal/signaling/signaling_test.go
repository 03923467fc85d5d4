package signaling

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/types"
)

type fakePub struct {
	mu   sync.Mutex
	sent map[types.UserID][]events.Message
}

func newFakePub() *fakePub {
	return &fakePub{sent: make(map[types.UserID][]events.Message)}
}

func (p *fakePub) ToUser(ctx context.Context, userID types.UserID, msg events.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[userID] = append(p.sent[userID], msg)
}

func (p *fakePub) ToUsers(ctx context.Context, userIDs []types.UserID, msg events.Message) {
	for _, id := range userIDs {
		p.ToUser(ctx, id, msg)
	}
}

func (p *fakePub) messagesFor(userID types.UserID) []events.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Message(nil), p.sent[userID]...)
}

func (p *fakePub) lastEvent(userID types.UserID, event events.Event) (events.Message, bool) {
	msgs := p.messagesFor(userID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event == event {
			return msgs[i], true
		}
	}
	return events.Message{}, false
}

// fakeMembers returns a fixed membership for every room.
type fakeMembers struct {
	members []types.UserID
}

func (f *fakeMembers) Members(ctx context.Context, roomID types.RoomID) ([]types.UserID, error) {
	return f.members, nil
}

func newTestRelay(capPerModality int, members ...types.UserID) (*Relay, *fakePub) {
	pub := newFakePub()
	relay := New(nil, pub, &fakeMembers{members: members}, capPerModality)
	return relay, pub
}

func TestJoinTellsCallerExistingPeersAndRoomTheNewPeer(t *testing.T) {
	relay, pub := newTestRelay(5, "u1", "u2")
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u1"))
	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u2"))

	// u2 learned about u1, excluding itself.
	existing, ok := pub.lastEvent("u2", "voice-existing-peers")
	require.True(t, ok)
	assert.Equal(t, []types.UserID{"u1"}, existing.Payload.(events.ModalityExistingPeersPayload).UserIDs)

	// u1 heard that u2 joined.
	joined, ok := pub.lastEvent("u1", "voice-peer-joined")
	require.True(t, ok)
	assert.Equal(t, types.UserID("u2"), joined.Payload.(events.ModalityPeerJoinedPayload).UserID)

	// Everyone saw the updated count.
	count, ok := pub.lastEvent("u1", "voice-participant-count")
	require.True(t, ok)
	assert.Equal(t, 2, count.Payload.(events.ModalityParticipantCountPayload).Count)
}

func TestJoinOverCapRejectsWithoutMutatingSet(t *testing.T) {
	members := make([]types.UserID, 0, 6)
	for i := 1; i <= 6; i++ {
		members = append(members, types.UserID(fmt.Sprintf("u%d", i)))
	}
	relay, pub := newTestRelay(5, members...)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, members[i-1]))
	}
	require.Equal(t, 5, relay.Count("ROOM01", types.ModalityVoice))

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u6"))

	errMsg, ok := pub.lastEvent("u6", "voice-error")
	require.True(t, ok)
	assert.Equal(t, events.ErrOverCap, errMsg.Payload.(events.ModalityErrorPayload).Error)

	assert.Equal(t, 5, relay.Count("ROOM01", types.ModalityVoice))
	// Nobody was told a sixth peer joined.
	for _, m := range pub.messagesFor("u1") {
		if m.Event == "voice-peer-joined" {
			assert.NotEqual(t, types.UserID("u6"), m.Payload.(events.ModalityPeerJoinedPayload).UserID)
		}
	}
}

func TestModalitySetsAreIndependent(t *testing.T) {
	relay, _ := newTestRelay(1, "u1", "u2")
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u1"))
	// A full voice set does not block the video set.
	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVideo, "u2"))

	assert.Equal(t, 1, relay.Count("ROOM01", types.ModalityVoice))
	assert.Equal(t, 1, relay.Count("ROOM01", types.ModalityVideo))
}

func TestRelayOfferIsTargetedToExactlyOnePeer(t *testing.T) {
	relay, pub := newTestRelay(5, "u1", "u2", "u3")
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u1"))
	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u2"))
	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u3"))

	require.NoError(t, relay.RelayOffer(ctx, "ROOM01", types.ModalityVoice, "u1", "u2", "sdp-offer"))

	offer, ok := pub.lastEvent("u2", "voice-offer-received")
	require.True(t, ok)
	payload := offer.Payload.(events.ModalitySDPReceivedPayload)
	assert.Equal(t, types.UserID("u1"), payload.FromUserID)
	assert.Equal(t, "sdp-offer", payload.SDP)

	_, leaked := pub.lastEvent("u3", "voice-offer-received")
	assert.False(t, leaked, "offers are never broadcast")
}

func TestRelayDropsSilentlyWhenTargetNotInSet(t *testing.T) {
	relay, pub := newTestRelay(5, "u1", "u2")
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u1"))

	require.NoError(t, relay.RelayAnswer(ctx, "ROOM01", types.ModalityVoice, "u1", "u2", "sdp-answer"))
	_, got := pub.lastEvent("u2", "voice-answer-received")
	assert.False(t, got)
}

func TestLeaveNotifiesRoomAndUpdatesCount(t *testing.T) {
	relay, pub := newTestRelay(5, "u1", "u2")
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u1"))
	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u2"))
	require.NoError(t, relay.Leave(ctx, "ROOM01", types.ModalityVoice, "u2"))

	left, ok := pub.lastEvent("u1", "voice-peer-left")
	require.True(t, ok)
	assert.Equal(t, types.UserID("u2"), left.Payload.(events.ModalityPeerLeftPayload).UserID)
	assert.Equal(t, 1, relay.Count("ROOM01", types.ModalityVoice))

	// Leaving when not a member is a silent no-op.
	require.NoError(t, relay.Leave(ctx, "ROOM01", types.ModalityVoice, "u2"))
}

func TestLeaveAllClearsBothModalities(t *testing.T) {
	relay, pub := newTestRelay(5, "u1", "u2")
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u1"))
	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVideo, "u1"))

	relay.LeaveAll(ctx, "ROOM01", "u1", []types.UserID{"u2"})

	assert.Zero(t, relay.Count("ROOM01", types.ModalityVoice))
	assert.Zero(t, relay.Count("ROOM01", types.ModalityVideo))

	_, voiceLeft := pub.lastEvent("u2", "voice-peer-left")
	_, videoLeft := pub.lastEvent("u2", "videochat-peer-left")
	assert.True(t, voiceLeft)
	assert.True(t, videoLeft)
}

func TestCloseRoomDropsAllSets(t *testing.T) {
	relay, _ := newTestRelay(5, "u1")
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, "ROOM01", types.ModalityVoice, "u1"))
	relay.CloseRoom("ROOM01")
	assert.Zero(t, relay.Count("ROOM01", types.ModalityVoice))
}
