// Package coordinator holds the three authoritative state machines that sit
// behind the event dispatcher: the room coordinator (C7 — membership, host
// privileges, disconnect handling), the playback coordinator (C8 —
// authoritative video state and drift correction), and the chat coordinator
// (C9 — message ingress, reactions, typing). All three share the same
// repositories and the same Publisher so a single event loop can dispatch
// into any of them.
//
// A per-room advisory mutex centralizes mutation, and every outcome names
// its recipients explicitly (caller / room / room-except-caller). The
// repositories sit behind kv.Store so state survives a restart and can be
// shared across instances.
package coordinator

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/chatstore"
	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/identity"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/ratelimit"
	"github.com/watchsync/party-server/internal/resolver"
	"github.com/watchsync/party-server/internal/roomstore"
	"github.com/watchsync/party-server/internal/signaling"
	"github.com/watchsync/party-server/internal/tracing"
	"github.com/watchsync/party-server/internal/types"
)

// Publisher delivers outbound events to connections. It is implemented by
// the transport layer, which is the only component that actually holds
// sockets; the coordinators never touch a connection directly, so no
// ownership cycle forms between them. Room-scoped and room-except-caller
// targeting is expressed by the coordinators themselves, which already hold
// the room's member list after a mutation — they filter it and call
// ToUsers, rather than handing the Publisher a roomID and asking it to
// rediscover membership.
type Publisher interface {
	// ToUser sends msg to userID's live connection, if any, on this instance.
	ToUser(ctx context.Context, userID types.UserID, msg events.Message)
	// ToUsers sends msg to each of userIDs' live connections.
	ToUsers(ctx context.Context, userIDs []types.UserID, msg events.Message)
	// Disconnect forcibly closes userID's connection (kick-user, host-left).
	Disconnect(ctx context.Context, userID types.UserID, reason events.ErrorCode)
}

// except returns members with excluded removed, preserving order. Used
// for every room-except-caller broadcast.
func except(members []types.UserID, excluded types.UserID) []types.UserID {
	if excluded == "" {
		return members
	}
	out := make([]types.UserID, 0, len(members))
	for _, m := range members {
		if m != excluded {
			out = append(out, m)
		}
	}
	return out
}

func userIDs(users []types.User) []types.UserID {
	out := make([]types.UserID, len(users))
	for i, u := range users {
		out[i] = u.UserID
	}
	return out
}

// Config tunes the coordinators' behavior.
type Config struct {
	SignalingCap         int
	DriftThreshold       float64       // seconds of divergence before guests are resynced
	TypingIdleWindow     time.Duration // idle time before a typing indicator expires
	ErrorReportWindow    time.Duration // sliding window for video-error-report heuristic
	ErrorReportThreshold int           // reports within window before flipping to proxy
}

// DefaultConfig returns the baseline tuning.
func DefaultConfig() Config {
	return Config{
		SignalingCap:         5,
		DriftThreshold:       1.5,
		TypingIdleWindow:     1 * time.Second,
		ErrorReportWindow:    30 * time.Second,
		ErrorReportThreshold: 3,
	}
}

// Coordinator bundles the room, playback, and chat state machines' shared
// dependencies. Its methods are split across room.go, playback.go, and
// chat.go, but they share one per-room lock table so a join and a
// simultaneous play-video on the same room can never interleave.
type Coordinator struct {
	rooms    *roomstore.Store
	chats    *chatstore.Store
	ids      *identity.Map
	resolver *resolver.Resolver
	relay    *signaling.Relay
	limiter  *ratelimit.Limiter
	pub      Publisher
	cfg      Config

	roomLocksMu sync.Mutex
	roomLocks   map[types.RoomID]*sync.Mutex

	typingMu sync.Mutex
	typing   map[types.RoomID]map[types.UserID]*time.Timer

	errReportsMu sync.Mutex
	errReports   map[types.RoomID][]time.Time
}

// New wires a Coordinator from its repositories and collaborators.
// limiter may be nil (rate limiting disabled, e.g. in tests).
func New(rooms *roomstore.Store, chats *chatstore.Store, ids *identity.Map, res *resolver.Resolver, relay *signaling.Relay, limiter *ratelimit.Limiter, pub Publisher, cfg Config) *Coordinator {
	return &Coordinator{
		rooms:      rooms,
		chats:      chats,
		ids:        ids,
		resolver:   res,
		relay:      relay,
		limiter:    limiter,
		pub:        pub,
		cfg:        cfg,
		roomLocks:  make(map[types.RoomID]*sync.Mutex),
		typing:     make(map[types.RoomID]map[types.UserID]*time.Timer),
		errReports: make(map[types.RoomID][]time.Time),
	}
}

// lockRoom returns the advisory mutex for roomID, creating it on first use.
// Held only for the duration of a single mutation, never across a
// broadcast.
func (c *Coordinator) lockRoom(roomID types.RoomID) *sync.Mutex {
	c.roomLocksMu.Lock()
	defer c.roomLocksMu.Unlock()

	l, ok := c.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		c.roomLocks[roomID] = l
	}
	return l
}

const roomIDCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateRoomID produces a 6-character uppercase-alphanumeric code from a
// crypto/rand source. Codes collide rarely enough that the caller's retry
// loop absorbs it.
func generateRoomID() (types.RoomID, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = roomIDCharset[int(b)%len(roomIDCharset)]
	}
	return types.RoomID(buf), nil
}

func newUserID() types.UserID {
	return types.UserID(uuid.NewString())
}

func newHostToken() string {
	return uuid.NewString()
}

func newMessageID(seq int64) types.MessageID {
	return types.MessageID(fmt.Sprintf("%d-%s", seq, uuid.NewString()[:8]))
}

// startSpan opens a span for a coordinator operation and returns the
// closer that records the outcome on both the span and the event metrics.
func (c *Coordinator) startSpan(ctx context.Context, op string) (context.Context, func(err error)) {
	ctx, span := tracing.GetLayer().TraceWebSocketEvent(ctx, op)
	start := time.Now()
	return ctx, func(err error) {
		tracing.RecordError(span, err)
		span.End()
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.EventsTotal.WithLabelValues(op, status).Inc()
		metrics.EventProcessingDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (c *Coordinator) logError(ctx context.Context, op string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	logging.Error(ctx, "coordinator operation failed", append(fields, zap.String("op", op), zap.Error(err))...)
}
