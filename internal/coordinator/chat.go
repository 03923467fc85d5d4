package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/tracing"
	"github.com/watchsync/party-server/internal/types"
)

// ChatOutcome is the broadcast a chat mutation produces, always room-wide
// (new-message and reaction-updated both include the sender).
type ChatOutcome struct {
	Announce   events.Message
	AnnounceTo []types.UserID
}

var messageSeq int64

// SendMessage stamps, persists, and fans out a chat message.
// The monotone id is a process-local counter plus a uuid suffix
// (newMessageID) — unique, and increasing among ids minted by this
// instance; ids minted by different instances are not ordered relative to
// each other.
func (c *Coordinator) SendMessage(ctx context.Context, roomID types.RoomID, callerID types.UserID, payload events.SendMessagePayload) (ChatOutcome, error) {
	ctx, end := c.startSpan(ctx, "send-message")
	var err error
	defer func() { end(err) }()

	if c.limiter != nil && !c.limiter.AllowChat(ctx, string(callerID)) {
		err = events.NewCodedError(events.ErrValidationFailed, "rate limit exceeded")
		return ChatOutcome{}, err
	}

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return ChatOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return ChatOutcome{}, err
	}

	caller, found := room.FindUser(callerID)
	if !found {
		err = events.NewCodedError(events.ErrNotAuthenticated, "")
		return ChatOutcome{}, err
	}

	msg := types.ChatMessage{
		ID:        newMessageID(atomic.AddInt64(&messageSeq, 1)),
		UserID:    callerID,
		UserName:  caller.DisplayName,
		Message:   payload.Message,
		Timestamp: time.Now(),
		RoomID:    roomID,
		Reactions: make(map[string][]types.UserID),
		ReplyTo:   payload.ReplyTo,
	}

	if appendErr := c.chats.Append(ctx, roomID, msg); appendErr != nil {
		err = appendErr
		return ChatOutcome{}, events.NewCodedError(events.ErrInternal, "failed to send message")
	}

	return ChatOutcome{
		Announce:   events.Message{Event: events.EventNewMessage, Payload: events.NewMessagePayload{Message: msg}},
		AnnounceTo: userIDs(room.Users),
	}, nil
}

const reactionRetryLimit = 3

// ToggleReaction flips callerID's membership in a message's reactions[emoji]
// set. The chat repository already serializes per (roomId, messageId) via a
// keyed mutex, so this just retries on a transient store error — up to
// reactionRetryLimit times before surfacing internal.
func (c *Coordinator) ToggleReaction(ctx context.Context, roomID types.RoomID, callerID types.UserID, payload events.ToggleReactionPayload) (ChatOutcome, error) {
	ctx, end := c.startSpan(ctx, "toggle-reaction")
	var err error
	defer func() { end(err) }()

	if c.limiter != nil && !c.limiter.AllowReaction(ctx, string(callerID)) {
		err = events.NewCodedError(events.ErrValidationFailed, "rate limit exceeded")
		return ChatOutcome{}, err
	}

	messageID := types.MessageID(payload.MessageID)

	var result struct {
		found  bool
		action string
		msg    types.ChatMessage
	}
	for attempt := 0; attempt < reactionRetryLimit; attempt++ {
		attemptCtx, span := tracing.GetLayer().TraceReactionRetry(ctx, attempt)
		res, updErr := c.chats.UpdateReactions(attemptCtx, roomID, messageID, callerID, payload.Emoji)
		tracing.RecordError(span, updErr)
		span.End()
		if updErr == nil {
			result.found, result.action, result.msg = res.Found, res.Action, res.Message
			if attempt > 0 {
				metrics.ChatReactionRetries.WithLabelValues("succeeded").Inc()
			}
			err = nil
			break
		}
		err = updErr
		metrics.ChatReactionRetries.WithLabelValues("retried").Inc()
		logging.Warn(ctx, "reaction update retry", zap.Int("attempt", attempt), zap.Error(updErr))
	}
	if err != nil {
		metrics.ChatReactionRetries.WithLabelValues("exhausted").Inc()
		return ChatOutcome{}, events.NewCodedError(events.ErrInternal, "failed to update reaction")
	}
	if !result.found {
		err = events.NewCodedError(events.ErrValidationFailed, "message not found")
		return ChatOutcome{}, err
	}

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return ChatOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return ChatOutcome{}, err
	}

	return ChatOutcome{
		Announce: events.Message{
			Event: events.EventReactionUpdated,
			Payload: events.ReactionUpdatedPayload{
				MessageID: messageID,
				Emoji:     payload.Emoji,
				UserID:    callerID,
				Reactions: result.msg.Reactions,
				Action:    result.action,
			},
		},
		AnnounceTo: userIDs(room.Users),
	}, nil
}

// TypingStart fans out user-typing and arms an idle-expiry timer that fires
// typing-stop automatically after Config.TypingIdleWindow if the client
// never sends an explicit typing-stop.
func (c *Coordinator) TypingStart(ctx context.Context, roomID types.RoomID, callerID types.UserID) (ChatOutcome, error) {
	room, ok, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return ChatOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		return ChatOutcome{}, events.NewCodedError(events.ErrRoomNotFound, "")
	}
	caller, found := room.FindUser(callerID)
	if !found {
		return ChatOutcome{}, events.NewCodedError(events.ErrNotAuthenticated, "")
	}

	c.armTypingTimer(roomID, callerID)

	return ChatOutcome{
		Announce:   events.Message{Event: events.EventUserTyping, Payload: events.UserTypingPayload{UserID: callerID, UserName: caller.DisplayName}},
		AnnounceTo: except(userIDs(room.Users), callerID),
	}, nil
}

// TypingStop fans out user-stopped-typing and cancels any pending
// idle-expiry timer for callerID in roomID.
func (c *Coordinator) TypingStop(ctx context.Context, roomID types.RoomID, callerID types.UserID) (ChatOutcome, error) {
	room, ok, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return ChatOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		return ChatOutcome{}, events.NewCodedError(events.ErrRoomNotFound, "")
	}

	c.disarmTypingTimer(roomID, callerID)

	return ChatOutcome{
		Announce:   events.Message{Event: events.EventUserStoppedTyping, Payload: events.UserStoppedTypingPayload{UserID: callerID}},
		AnnounceTo: except(userIDs(room.Users), callerID),
	}, nil
}

func (c *Coordinator) armTypingTimer(roomID types.RoomID, userID types.UserID) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	byUser, ok := c.typing[roomID]
	if !ok {
		byUser = make(map[types.UserID]*time.Timer)
		c.typing[roomID] = byUser
	}
	if existing, ok := byUser[userID]; ok {
		existing.Stop()
	}
	byUser[userID] = time.AfterFunc(c.cfg.TypingIdleWindow, func() {
		c.expireTyping(roomID, userID)
	})
}

func (c *Coordinator) disarmTypingTimer(roomID types.RoomID, userID types.UserID) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	if byUser, ok := c.typing[roomID]; ok {
		if existing, ok := byUser[userID]; ok {
			existing.Stop()
			delete(byUser, userID)
		}
	}
}

// expireTyping runs on the idle timer's own goroutine when a typing client
// never sent typing-stop. It emits the same user-stopped-typing broadcast a
// client-driven stop would, so guests never see a stuck typing indicator.
func (c *Coordinator) expireTyping(roomID types.RoomID, userID types.UserID) {
	c.typingMu.Lock()
	if byUser, ok := c.typing[roomID]; ok {
		delete(byUser, userID)
	}
	c.typingMu.Unlock()

	ctx := context.Background()
	room, ok, err := c.rooms.Get(ctx, roomID)
	if err != nil || !ok {
		return
	}

	c.pub.ToUsers(ctx, except(userIDs(room.Users), userID), events.Message{
		Event:   events.EventUserStoppedTyping,
		Payload: events.UserStoppedTypingPayload{UserID: userID},
	})
}
