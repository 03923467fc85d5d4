// Package signaling is the signaling relay (C10): two independent
// per-room peer sets (voice, video), capped at K participants each, plus
// targeted offer/answer/ICE-candidate routing between peers. The relay never
// carries media itself — it only routes the handshake messages a browser's
// WebRTC stack needs to establish its own peer-to-peer connection.
package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/identity"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/types"
)

// Publisher is the subset of coordinator.Publisher the relay needs. Declared
// independently so this package has no dependency on coordinator.
type Publisher interface {
	ToUser(ctx context.Context, userID types.UserID, msg events.Message)
	ToUsers(ctx context.Context, userIDs []types.UserID, msg events.Message)
}

// RoomMembers resolves a room's current membership so the relay can
// broadcast *-peer-joined/*-peer-left/*-participant-count to the whole
// room, without the relay importing the room repository itself. Satisfied
// by *roomstore.Store.
type RoomMembers interface {
	Members(ctx context.Context, roomID types.RoomID) ([]types.UserID, error)
}

// Relay owns every room's voice and video peer sets. Signaling state is
// entirely in-memory and process-local — multi-instance deployments must
// route a room's signaling traffic to a single instance (sticky routing by
// roomId).
type Relay struct {
	mu   sync.Mutex
	sets map[types.RoomID]map[types.Modality]set.Set[types.UserID]

	cap     int
	ids     *identity.Map
	pub     Publisher
	members RoomMembers
}

// New returns a Relay capping each modality's peer set at capPerModality.
func New(ids *identity.Map, pub Publisher, members RoomMembers, capPerModality int) *Relay {
	return &Relay{
		sets:    make(map[types.RoomID]map[types.Modality]set.Set[types.UserID]),
		cap:     capPerModality,
		ids:     ids,
		pub:     pub,
		members: members,
	}
}

func (r *Relay) setFor(roomID types.RoomID, modality types.Modality) set.Set[types.UserID] {
	byModality, ok := r.sets[roomID]
	if !ok {
		byModality = make(map[types.Modality]set.Set[types.UserID])
		r.sets[roomID] = byModality
	}
	s, ok := byModality[modality]
	if !ok {
		s = set.New[types.UserID]()
		byModality[modality] = s
	}
	return s
}

// Join admits userID into roomID's modality set, rejecting with over-cap if
// the set is already at capacity. On success it tells the caller the
// existing members (excluding itself), tells the rest of the room that a new
// peer joined, and broadcasts the updated participant count to the room.
func (r *Relay) Join(ctx context.Context, roomID types.RoomID, modality types.Modality, userID types.UserID) error {
	r.mu.Lock()
	s := r.setFor(roomID, modality)

	if s.Len() >= r.cap {
		r.mu.Unlock()
		metrics.SignalingConnectionAttempts.WithLabelValues(string(modality), "over_cap").Inc()
		r.pub.ToUser(ctx, userID, events.Message{
			Event:   events.ModalityEvent(modality, "error"),
			Payload: events.ModalityErrorPayload{Error: events.ErrOverCap},
		})
		return nil
	}

	existing := s.UnsortedList()
	s.Insert(userID)
	count := s.Len()
	r.mu.Unlock()

	metrics.SignalingConnectionAttempts.WithLabelValues(string(modality), "joined").Inc()
	logging.Info(ctx, "signaling join", zap.String("roomId", string(roomID)), zap.String("modality", string(modality)))

	roomMembers, err := r.members.Members(ctx, roomID)
	if err != nil {
		return err
	}

	r.pub.ToUser(ctx, userID, events.Message{
		Event:   events.ModalityEvent(modality, "existing-peers"),
		Payload: events.ModalityExistingPeersPayload{UserIDs: existing},
	})
	r.pub.ToUsers(ctx, exclude(roomMembers, userID), events.Message{
		Event:   events.ModalityEvent(modality, "peer-joined"),
		Payload: events.ModalityPeerJoinedPayload{UserID: userID},
	})
	r.broadcastCount(ctx, roomID, modality, roomMembers, count)
	return nil
}

// Leave removes userID from roomID's modality set and notifies the room.
// A no-op if userID was never a member (idempotent, safe on disconnect).
func (r *Relay) Leave(ctx context.Context, roomID types.RoomID, modality types.Modality, userID types.UserID) error {
	r.mu.Lock()
	s := r.setFor(roomID, modality)
	if !s.Has(userID) {
		r.mu.Unlock()
		return nil
	}
	s.Delete(userID)
	count := s.Len()
	r.mu.Unlock()

	roomMembers, err := r.members.Members(ctx, roomID)
	if err != nil {
		return err
	}

	r.pub.ToUsers(ctx, roomMembers, events.Message{
		Event:   events.ModalityEvent(modality, "peer-left"),
		Payload: events.ModalityPeerLeftPayload{UserID: userID},
	})
	r.broadcastCount(ctx, roomID, modality, roomMembers, count)
	return nil
}

// LeaveAll removes userID from both modality sets in roomID, used on
// disconnect/kick when the leaver's specific signaling membership is
// unknown to the caller. roomMembers is the membership to notify — callers
// pass it in because, on the "last user leaves" path, the room record may
// already be gone by the time this runs.
func (r *Relay) LeaveAll(ctx context.Context, roomID types.RoomID, userID types.UserID, roomMembers []types.UserID) {
	for _, m := range []types.Modality{types.ModalityVoice, types.ModalityVideo} {
		r.mu.Lock()
		s := r.setFor(roomID, m)
		if !s.Has(userID) {
			r.mu.Unlock()
			continue
		}
		s.Delete(userID)
		count := s.Len()
		r.mu.Unlock()

		r.pub.ToUsers(ctx, roomMembers, events.Message{
			Event:   events.ModalityEvent(m, "peer-left"),
			Payload: events.ModalityPeerLeftPayload{UserID: userID},
		})
		r.broadcastCount(ctx, roomID, m, roomMembers, count)
	}
}

// CloseRoom drops every peer set for roomID (host-left room closure).
func (r *Relay) CloseRoom(roomID types.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, roomID)
}

func (r *Relay) broadcastCount(ctx context.Context, roomID types.RoomID, modality types.Modality, roomMembers []types.UserID, count int) {
	r.pub.ToUsers(ctx, roomMembers, events.Message{
		Event:   events.ModalityEvent(modality, "participant-count"),
		Payload: events.ModalityParticipantCountPayload{RoomID: roomID, Count: count},
	})
}

// relay routes offer/answer/ICE payloads to a single target, never
// broadcasting. It looks the target up in the modality set first — if the
// target isn't a current peer, the message is dropped silently — then in
// the identity map to confirm the target still has a live connection
// before forwarding.
func (r *Relay) relay(ctx context.Context, roomID types.RoomID, modality types.Modality, targetUserID types.UserID, event events.Event, payload any) error {
	r.mu.Lock()
	s := r.setFor(roomID, modality)
	inSet := s.Has(targetUserID)
	r.mu.Unlock()

	if !inSet {
		logging.Warn(ctx, "signaling relay target not in modality set",
			zap.String("roomId", string(roomID)), zap.String("targetUserId", string(targetUserID)))
		return nil
	}

	if r.ids != nil {
		if _, ok, err := r.ids.Get(ctx, targetUserID); err != nil {
			return err
		} else if !ok {
			return nil
		}
	}

	r.pub.ToUser(ctx, targetUserID, events.Message{Event: event, Payload: payload})
	return nil
}

// RelayOffer forwards an SDP offer to targetUserID as <modality>-offer-received.
func (r *Relay) RelayOffer(ctx context.Context, roomID types.RoomID, modality types.Modality, fromUserID, targetUserID types.UserID, sdp string) error {
	return r.relay(ctx, roomID, modality, targetUserID,
		events.ModalityEvent(modality, "offer-received"),
		events.ModalitySDPReceivedPayload{FromUserID: fromUserID, SDP: sdp})
}

// RelayAnswer forwards an SDP answer to targetUserID as <modality>-answer-received.
func (r *Relay) RelayAnswer(ctx context.Context, roomID types.RoomID, modality types.Modality, fromUserID, targetUserID types.UserID, sdp string) error {
	return r.relay(ctx, roomID, modality, targetUserID,
		events.ModalityEvent(modality, "answer-received"),
		events.ModalitySDPReceivedPayload{FromUserID: fromUserID, SDP: sdp})
}

// RelayICECandidate forwards an ICE candidate to targetUserID.
func (r *Relay) RelayICECandidate(ctx context.Context, roomID types.RoomID, modality types.Modality, fromUserID, targetUserID types.UserID, candidate string) error {
	return r.relay(ctx, roomID, modality, targetUserID,
		events.ModalityEvent(modality, "ice-candidate-received"),
		events.ModalityIceCandidateReceivedPayload{FromUserID: fromUserID, Candidate: candidate})
}

// Count returns roomID's current modality participant count, for tests and
// for the coordinator's room-closure path.
func (r *Relay) Count(roomID types.RoomID, modality types.Modality) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setFor(roomID, modality).Len()
}

func exclude(members []types.UserID, excluded types.UserID) []types.UserID {
	out := make([]types.UserID, 0, len(members))
	for _, m := range members {
		if m != excluded {
			out = append(out, m)
		}
	}
	return out
}
