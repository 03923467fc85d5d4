// Package transport owns the WebSocket surface: upgrading HTTP requests into
// persistent bidirectional sessions, decoding inbound frames into validated
// events, dispatching them to the coordinators and the signaling relay, and
// delivering outbound events back to the right connections. It is the only
// package that touches sockets; the coordinators address users purely by
// userId through the Publisher interface.
package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/coordinator"
	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/identity"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/signaling"
	"github.com/watchsync/party-server/internal/types"
)

// Hub tracks every live connection on this instance and routes outbound
// events to them. It implements coordinator.Publisher and
// signaling.Publisher. Connection state is process-local; the identity map
// is the cross-instance record of which userId is live where, and
// deployments running more than one instance must sticky-route by roomId.
type Hub struct {
	coord *coordinator.Coordinator
	relay *signaling.Relay
	ids   *identity.Map

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	byConn map[string]*Client
	byUser map[types.UserID]*Client
}

// NewHub builds a Hub that accepts upgrades from the given origins. The
// coordinator and relay are attached afterwards via Attach since they need
// the Hub as their Publisher.
func NewHub(ids *identity.Map, allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		ids: ids,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Non-browser clients (tests, health tooling) send no origin.
					return true
				}
				return allowed[origin]
			},
		},
		byConn: make(map[string]*Client),
		byUser: make(map[types.UserID]*Client),
	}
}

// Attach wires the coordinator and relay in after construction, breaking the
// Hub-as-Publisher dependency cycle.
func (h *Hub) Attach(coord *coordinator.Coordinator, relay *signaling.Relay) {
	h.coord = coord
	h.relay = relay
}

// ServeWs upgrades a gin request into a WebSocket session and starts the
// connection's pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, uuid.NewString())

	h.mu.Lock()
	h.byConn[client.connID] = client
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(c.Request.Context(), "client connected", zap.String("connId", client.connID))

	go client.writePump()
	go client.readPump()
}

// HandleConnection registers an already-established connection, used by
// tests that bypass the HTTP upgrade.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	client := newClient(h, conn, uuid.NewString())

	h.mu.Lock()
	h.byConn[client.connID] = client
	h.mu.Unlock()

	metrics.IncConnection()
	go client.writePump()
	go client.readPump()
	return client
}

func (h *Hub) bindUser(userID types.UserID, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byUser[userID] = client
}

// unbindUser drops the userId route if it still points at client (a
// reconnect may already have rebound it to a newer connection).
func (h *Hub) unbindUser(userID types.UserID, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.byUser[userID]; ok && current == client {
		delete(h.byUser, userID)
	}
}

func (h *Hub) clientFor(userID types.UserID) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byUser[userID]
	return c, ok
}

// --- coordinator.Publisher / signaling.Publisher ---

// ToUser delivers msg to userID's live connection on this instance, if any.
func (h *Hub) ToUser(ctx context.Context, userID types.UserID, msg events.Message) {
	if client, ok := h.clientFor(userID); ok {
		client.Send(msg)
	}
}

// ToUsers delivers msg to each listed user's live connection.
func (h *Hub) ToUsers(ctx context.Context, userIDs []types.UserID, msg events.Message) {
	for _, id := range userIDs {
		h.ToUser(ctx, id, msg)
	}
}

// Disconnect sends a final room-error carrying reason, then closes the
// user's connection (kick-user, host-left eviction).
func (h *Hub) Disconnect(ctx context.Context, userID types.UserID, reason events.ErrorCode) {
	client, ok := h.clientFor(userID)
	if !ok {
		return
	}
	client.Send(events.Message{Event: events.EventRoomError, Payload: events.RoomErrorPayload{Error: reason}})
	client.clearIdentity()
	h.unbindUser(userID, client)
	client.close()
}

// Shutdown closes every live connection, for graceful server stop.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.byConn))
	for _, c := range h.byConn {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	logging.Info(ctx, "transport hub shut down", zap.Int("connections", len(clients)))
}

// --- dispatch ---

// sendError translates a handler error into the caller-facing room-error or
// modality *-error. This is the single error-translation point: coordinators
// return *events.CodedError, nothing else reaches the wire.
func (h *Hub) sendError(c *Client, inbound events.Event, err error) {
	code := events.ErrInternal
	if coded, ok := err.(*events.CodedError); ok {
		code = coded.Code
	}

	if modality, _, ok := events.ParseModality(inbound); ok {
		c.Send(events.Message{
			Event:   events.ModalityEvent(modality, "error"),
			Payload: events.ModalityErrorPayload{Error: code},
		})
		return
	}
	c.Send(events.Message{Event: events.EventRoomError, Payload: events.RoomErrorPayload{Error: code}})
}

// requireRoom checks the caller is in-room and that the payload's roomId
// matches the connection's bound room. Only in-room connections may invoke
// non-lobby events.
func (c *Client) requireRoom(payloadRoomID string) (types.UserID, types.RoomID, error) {
	userID, roomID := c.identity()
	if userID == "" || roomID == "" {
		return "", "", events.NewCodedError(events.ErrNotAuthenticated, "join a room first")
	}
	if payloadRoomID != string(roomID) {
		return "", "", events.NewCodedError(events.ErrNotAuthenticated, "not a member of that room")
	}
	return userID, roomID, nil
}

// dispatch validates the inbound envelope and routes it. Runs on the
// connection's readPump goroutine, so events from one client are handled
// strictly in arrival order.
func (h *Hub) dispatch(c *Client, env events.Envelope) {
	ctx := context.Background()
	if userID, roomID := c.identity(); userID != "" {
		ctx = logging.WithUser(logging.WithRoom(ctx, string(roomID)), string(userID))
	}

	payload, err := events.Validate(env.Event, env.Payload)
	if err != nil {
		h.sendError(c, env.Event, err)
		return
	}

	if err := h.route(ctx, c, env.Event, payload); err != nil {
		h.sendError(c, env.Event, err)
	}
}

func (h *Hub) route(ctx context.Context, c *Client, event events.Event, payload any) error {
	switch event {
	case events.EventCreateRoom:
		return h.handleCreateRoom(ctx, c, payload)
	case events.EventJoinRoom:
		return h.handleJoinRoom(ctx, c, payload)
	case events.EventLeaveRoom:
		return h.handleLeaveRoom(ctx, c, payload)
	case events.EventKickUser:
		return h.handleKickUser(ctx, c, payload)
	case events.EventPromoteHost:
		return h.handlePromoteHost(ctx, c, payload)

	case events.EventSetVideo:
		return h.handleSetVideo(ctx, c, payload)
	case events.EventPlayVideo, events.EventPauseVideo, events.EventSeekVideo:
		return h.handlePlayback(ctx, c, event, payload)
	case events.EventSyncCheck:
		return h.handleSyncCheck(ctx, c, payload)
	case events.EventVideoErrorReport:
		return h.handleVideoErrorReport(ctx, c, payload)

	case events.EventSendMessage:
		return h.handleSendMessage(ctx, c, payload)
	case events.EventToggleReaction:
		return h.handleToggleReaction(ctx, c, payload)
	case events.EventTypingStart, events.EventTypingStop:
		return h.handleTyping(ctx, c, event, payload)
	}

	if modality, suffix, ok := events.ParseModality(event); ok {
		return h.handleSignaling(ctx, c, modality, suffix, payload)
	}
	return events.NewCodedError(events.ErrValidationFailed, "unknown event")
}

func (h *Hub) handleCreateRoom(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.CreateRoomPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	if userID, _ := c.identity(); userID != "" {
		return events.NewCodedError(events.ErrValidationFailed, "already in a room")
	}

	out, err := h.coord.CreateRoom(ctx, p)
	if err != nil {
		return err
	}

	created, _ := events.Assert[events.RoomCreatedPayload](out.Payload)
	if err := h.ids.Set(ctx, created.Room.HostID, c.connID); err != nil {
		return events.NewCodedError(events.ErrInternal, "identity store unavailable")
	}
	c.setIdentity(created.Room.HostID, created.RoomID)
	h.bindUser(created.Room.HostID, c)
	c.Send(out)
	return nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.JoinRoomPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	if userID, _ := c.identity(); userID != "" {
		return events.NewCodedError(events.ErrValidationFailed, "already in a room")
	}

	outcome, err := h.coord.JoinRoom(ctx, c.connID, p)
	if err != nil {
		return err
	}

	c.setIdentity(outcome.CallerID, types.RoomID(p.RoomID))
	h.bindUser(outcome.CallerID, c)

	// Announce to the room before replying to the caller, so user-joined is
	// never delivered after the same user's room-joined.
	if outcome.Announce != nil {
		h.ToUsers(ctx, outcome.AnnounceTo, *outcome.Announce)
	}
	c.Send(outcome.ToCaller)
	return nil
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.LeaveRoomPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.LeaveRoom(ctx, roomID, userID)
	if err != nil {
		return err
	}
	h.deliverLeave(ctx, outcome)

	c.clearIdentity()
	h.unbindUser(userID, c)
	return nil
}

// deliverLeave fans out a LeaveOutcome. When the room closed (primary host
// departure) every remaining guest is evicted after receiving host-left.
func (h *Hub) deliverLeave(ctx context.Context, outcome coordinator.LeaveOutcome) {
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	if outcome.RoomClosed {
		for _, guest := range outcome.AnnounceTo {
			if client, ok := h.clientFor(guest); ok {
				client.clearIdentity()
				h.unbindUser(guest, client)
				client.close()
			}
		}
	}
}

func (h *Hub) handleKickUser(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.KickUserPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.KickUser(ctx, roomID, userID, types.UserID(p.UserID))
	if err != nil {
		return err
	}

	// The kicked user hears why before the connection drops.
	h.ToUser(ctx, outcome.KickedID, outcome.Announce)
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.LeftAnn)

	if client, ok := h.clientFor(outcome.KickedID); ok {
		client.clearIdentity()
		h.unbindUser(outcome.KickedID, client)
		client.close()
	}
	return nil
}

func (h *Hub) handlePromoteHost(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.PromoteHostPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.PromoteHost(ctx, roomID, userID, types.UserID(p.UserID))
	if err != nil {
		return err
	}
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	return nil
}

func (h *Hub) handleSetVideo(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.SetVideoPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.SetVideo(ctx, roomID, userID, p.VideoURL)
	if err != nil {
		return err
	}
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	return nil
}

func (h *Hub) handlePlayback(ctx context.Context, c *Client, event events.Event, payload any) error {
	p, ok := events.Assert[events.PlaybackPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	var outcome coordinator.PlaybackOutcome
	switch event {
	case events.EventPlayVideo:
		outcome, err = h.coord.PlayVideo(ctx, roomID, userID, p.CurrentTime)
	case events.EventPauseVideo:
		outcome, err = h.coord.PauseVideo(ctx, roomID, userID, p.CurrentTime)
	case events.EventSeekVideo:
		outcome, err = h.coord.SeekVideo(ctx, roomID, userID, p.CurrentTime)
	}
	if err != nil {
		return err
	}
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	return nil
}

func (h *Hub) handleSyncCheck(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.SyncCheckPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.SyncCheck(ctx, roomID, userID, p.CurrentTime, p.IsPlaying)
	if err != nil {
		return err
	}
	if outcome != nil {
		h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	}
	return nil
}

func (h *Hub) handleVideoErrorReport(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.VideoErrorReportPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.VideoErrorReport(ctx, roomID, userID, p.CurrentSrc)
	if err != nil {
		return err
	}
	if outcome != nil {
		h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	}
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[*events.SendMessagePayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.SendMessage(ctx, roomID, userID, *p)
	if err != nil {
		return err
	}
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	return nil
}

func (h *Hub) handleToggleReaction(ctx context.Context, c *Client, payload any) error {
	p, ok := events.Assert[events.ToggleReactionPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	outcome, err := h.coord.ToggleReaction(ctx, roomID, userID, p)
	if err != nil {
		return err
	}
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, event events.Event, payload any) error {
	p, ok := events.Assert[events.TypingPayload](payload)
	if !ok {
		return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
	}
	userID, roomID, err := c.requireRoom(p.RoomID)
	if err != nil {
		return err
	}

	var outcome coordinator.ChatOutcome
	if event == events.EventTypingStart {
		outcome, err = h.coord.TypingStart(ctx, roomID, userID)
	} else {
		outcome, err = h.coord.TypingStop(ctx, roomID, userID)
	}
	if err != nil {
		return err
	}
	h.ToUsers(ctx, outcome.AnnounceTo, outcome.Announce)
	return nil
}

func (h *Hub) handleSignaling(ctx context.Context, c *Client, modality types.Modality, suffix string, payload any) error {
	switch suffix {
	case "join":
		p, ok := events.Assert[events.ModalityJoinPayload](payload)
		if !ok {
			return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
		}
		userID, roomID, err := c.requireRoom(p.RoomID)
		if err != nil {
			return err
		}
		return h.relay.Join(ctx, roomID, modality, userID)

	case "leave":
		p, ok := events.Assert[events.ModalityLeavePayload](payload)
		if !ok {
			return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
		}
		userID, roomID, err := c.requireRoom(p.RoomID)
		if err != nil {
			return err
		}
		return h.relay.Leave(ctx, roomID, modality, userID)

	case "offer", "answer":
		p, ok := events.Assert[events.ModalitySDPPayload](payload)
		if !ok {
			return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
		}
		userID, roomID, err := c.requireRoom(p.RoomID)
		if err != nil {
			return err
		}
		if suffix == "offer" {
			return h.relay.RelayOffer(ctx, roomID, modality, userID, types.UserID(p.TargetUserID), p.SDP)
		}
		return h.relay.RelayAnswer(ctx, roomID, modality, userID, types.UserID(p.TargetUserID), p.SDP)

	case "ice-candidate":
		p, ok := events.Assert[events.ModalityIceCandidatePayload](payload)
		if !ok {
			return events.NewCodedError(events.ErrValidationFailed, "malformed payload")
		}
		userID, roomID, err := c.requireRoom(p.RoomID)
		if err != nil {
			return err
		}
		return h.relay.RelayICECandidate(ctx, roomID, modality, userID, types.UserID(p.TargetUserID), p.Candidate)
	}

	return events.NewCodedError(events.ErrValidationFailed, "unknown event")
}

// handleDisconnect is the readPump's exit hook: a dropped connection behaves
// like an explicit leave-room for whatever room the caller was in.
func (h *Hub) handleDisconnect(c *Client) {
	userID, roomID := c.identity()

	h.mu.Lock()
	delete(h.byConn, c.connID)
	h.mu.Unlock()

	if userID == "" {
		return
	}

	ctx := logging.WithUser(logging.WithRoom(context.Background(), string(roomID)), string(userID))
	logging.Info(ctx, "client disconnected", zap.String("connId", c.connID))

	h.unbindUser(userID, c)

	// If the identity map points at a different connection, the user already
	// reconnected; tearing down the room membership would evict the live
	// session.
	if connID, ok, err := h.ids.Get(ctx, userID); err == nil && ok && connID != c.connID {
		return
	}

	outcome, err := h.coord.LeaveRoom(ctx, roomID, userID)
	if err != nil {
		logging.Warn(ctx, "disconnect cleanup failed", zap.Error(err))
		return
	}
	h.deliverLeave(ctx, outcome)
}
