package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/types"
)

const maxRoomIDAttempts = 10

// CreateRoom mints a fresh room with the caller as its sole host, retrying
// the server-generated room code on collision.
func (c *Coordinator) CreateRoom(ctx context.Context, payload events.CreateRoomPayload) (events.Message, error) {
	ctx, end := c.startSpan(ctx, "create-room")
	var err error
	defer func() { end(err) }()

	var roomID types.RoomID
	for i := 0; i < maxRoomIDAttempts; i++ {
		roomID, err = generateRoomID()
		if err != nil {
			return events.Message{}, events.NewCodedError(events.ErrInternal, "failed to generate room id")
		}
		exists, existsErr := c.rooms.RoomIDExists(ctx, roomID)
		if existsErr != nil {
			err = existsErr
			return events.Message{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
		}
		if !exists {
			break
		}
	}

	hostID := newUserID()
	hostToken := newHostToken()
	now := time.Now()

	room := &types.Room{
		RoomID:    roomID,
		HostID:    hostID,
		HostName:  payload.HostName,
		HostToken: hostToken,
		VideoType: types.VideoTypeNone,
		Users: []types.User{{
			UserID:      hostID,
			DisplayName: payload.HostName,
			IsHost:      true,
			JoinedAt:    now,
		}},
		CreatedAt: now,
	}

	if err = c.rooms.Create(ctx, room); err != nil {
		return events.Message{}, events.NewCodedError(events.ErrInternal, "failed to create room")
	}

	logging.Info(ctx, "room created", zap.String("roomId", string(roomID)), zap.String("userId", string(hostID)))
	metrics.ActiveRooms.Inc()
	metrics.RoomUsers.WithLabelValues(string(roomID)).Set(1)

	return events.Message{
		Event: events.EventRoomCreated,
		Payload: events.RoomCreatedPayload{
			RoomID:    roomID,
			HostToken: hostToken,
			Room:      room,
		},
	}, nil
}

// JoinOutcome is what JoinRoom needs the dispatcher to deliver: a reply to
// the caller, plus an optional room-wide announcement (nil on reconnect —
// the room never hears about a rebind).
type JoinOutcome struct {
	ToCaller    events.Message
	CallerID    types.UserID
	Announce    *events.Message
	AnnounceTo  []types.UserID
}

// JoinRoom resolves reconnect-vs-impersonation-vs-fresh-guest and binds the
// connection's userId in the identity map. A name matching an existing host
// (or the creator's name) demands the matching hostToken; a name matching a
// guest rebinds that guest's identity to the new connection.
func (c *Coordinator) JoinRoom(ctx context.Context, connID string, payload events.JoinRoomPayload) (JoinOutcome, error) {
	ctx, end := c.startSpan(ctx, "join-room")
	var err error
	defer func() { end(err) }()

	roomID := types.RoomID(payload.RoomID)
	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return JoinOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return JoinOutcome{}, err
	}

	if existing, found := room.FindUserByName(payload.UserName); found {
		if existing.IsHost {
			if payload.HostToken == "" || payload.HostToken != room.HostToken {
				err = events.NewCodedError(events.ErrInvalidHostCreds, "")
				return JoinOutcome{}, err
			}
		}
		// Reconnect: rebind the existing identity to this connection.
		if bindErr := c.ids.Set(ctx, existing.UserID, connID); bindErr != nil {
			err = bindErr
			return JoinOutcome{}, events.NewCodedError(events.ErrInternal, "identity store unavailable")
		}
		return JoinOutcome{
			ToCaller: events.Message{
				Event:   events.EventRoomJoined,
				Payload: events.RoomJoinedPayload{Room: room, UserID: existing.UserID},
			},
			CallerID: existing.UserID,
		}, nil
	}

	if payload.UserName == room.HostName && (payload.HostToken == "" || payload.HostToken != room.HostToken) {
		err = events.NewCodedError(events.ErrInvalidHostCreds, "")
		return JoinOutcome{}, err
	}

	userID := newUserID()
	user := types.User{
		UserID:      userID,
		DisplayName: payload.UserName,
		IsHost:      false,
		JoinedAt:    time.Now(),
	}

	if addErr := c.rooms.AddUser(ctx, roomID, user); addErr != nil {
		err = addErr
		return JoinOutcome{}, events.NewCodedError(events.ErrInternal, "failed to join room")
	}
	if bindErr := c.ids.Set(ctx, userID, connID); bindErr != nil {
		err = bindErr
		return JoinOutcome{}, events.NewCodedError(events.ErrInternal, "identity store unavailable")
	}

	room, _, getErr = c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return JoinOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}

	announce := events.Message{Event: events.EventUserJoined, Payload: events.UserJoinedPayload{User: user}}
	metrics.RoomUsers.WithLabelValues(string(roomID)).Set(float64(len(room.Users)))

	return JoinOutcome{
		ToCaller: events.Message{
			Event:   events.EventRoomJoined,
			Payload: events.RoomJoinedPayload{Room: room, UserID: userID},
		},
		CallerID:   userID,
		Announce:   &announce,
		AnnounceTo: except(userIDs(room.Users), userID),
	}, nil
}

// LeaveOutcome tells the dispatcher who to notify and whether the room
// closed entirely (host-left) or just lost one guest.
type LeaveOutcome struct {
	RoomClosed bool
	Announce   events.Message
	AnnounceTo []types.UserID
}

// LeaveRoom implements leave-room and disconnect: primary host departure
// closes the room entirely; anyone else's departure removes just them.
// A departing secondary host needs no succession — hostId changes only
// when the primary host is removed through the repository path.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomID types.RoomID, userID types.UserID) (LeaveOutcome, error) {
	ctx, end := c.startSpan(ctx, "leave-room")
	var err error
	defer func() { end(err) }()

	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return LeaveOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return LeaveOutcome{}, err
	}

	if room.HostID == userID {
		members := userIDs(room.Users)
		if delErr := c.rooms.Delete(ctx, roomID); delErr != nil {
			err = delErr
			return LeaveOutcome{}, events.NewCodedError(events.ErrInternal, "failed to close room")
		}
		c.cleanupRoom(ctx, roomID, members)
		metrics.ActiveRooms.Dec()
		metrics.RoomUsers.DeleteLabelValues(string(roomID))
		return LeaveOutcome{
			RoomClosed: true,
			Announce:   events.Message{Event: events.EventRoomError, Payload: events.RoomErrorPayload{Error: events.ErrHostLeft}},
			AnnounceTo: except(members, userID),
		}, nil
	}

	remainingAfterRemove, deleted, _, remErr := c.rooms.RemoveUser(ctx, roomID, userID)
	if remErr != nil {
		err = remErr
		return LeaveOutcome{}, events.NewCodedError(events.ErrInternal, "failed to leave room")
	}

	_ = c.ids.Remove(ctx, userID)

	var announceTo []types.UserID
	if deleted {
		metrics.ActiveRooms.Dec()
		metrics.RoomUsers.DeleteLabelValues(string(roomID))
		c.relay.LeaveAll(ctx, roomID, userID, nil)
	} else {
		announceTo = userIDs(remainingAfterRemove.Users)
		metrics.RoomUsers.WithLabelValues(string(roomID)).Set(float64(len(remainingAfterRemove.Users)))
		c.relay.LeaveAll(ctx, roomID, userID, announceTo)
	}

	return LeaveOutcome{
		Announce:   events.Message{Event: events.EventUserLeft, Payload: events.UserLeftPayload{UserID: userID}},
		AnnounceTo: announceTo,
	}, nil
}

// cleanupRoom drops every identity mapping and signaling set belonging to a
// closed room.
func (c *Coordinator) cleanupRoom(ctx context.Context, roomID types.RoomID, members []types.UserID) {
	for _, m := range members {
		_ = c.ids.Remove(ctx, m)
	}
	c.relay.CloseRoom(roomID)
}

// PromoteOutcome carries the broadcast for a successful promote-host.
type PromoteOutcome struct {
	Announce   events.Message
	AnnounceTo []types.UserID
}

// PromoteHost grants secondary-host status. Only existing hosts may
// promote; the primary hostId is unaffected.
func (c *Coordinator) PromoteHost(ctx context.Context, roomID types.RoomID, callerID, targetID types.UserID) (PromoteOutcome, error) {
	ctx, end := c.startSpan(ctx, "promote-host")
	var err error
	defer func() { end(err) }()

	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return PromoteOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return PromoteOutcome{}, err
	}

	caller, found := room.FindUser(callerID)
	if !found || !caller.IsHost {
		err = events.NewCodedError(events.ErrHostOnly, "")
		return PromoteOutcome{}, err
	}

	target, found := room.FindUser(targetID)
	if !found {
		err = events.NewCodedError(events.ErrTargetNotInRoom, "")
		return PromoteOutcome{}, err
	}
	target.IsHost = true

	if updErr := c.rooms.Update(ctx, room); updErr != nil {
		err = updErr
		return PromoteOutcome{}, events.NewCodedError(events.ErrInternal, "failed to promote host")
	}

	return PromoteOutcome{
		Announce:   events.Message{Event: events.EventUserPromoted, Payload: events.UserPromotedPayload{UserID: target.UserID, UserName: target.DisplayName}},
		AnnounceTo: userIDs(room.Users),
	}, nil
}

// KickOutcome tells the dispatcher who to disconnect and who to notify.
type KickOutcome struct {
	KickedID   types.UserID
	Announce   events.Message
	AnnounceTo []types.UserID
	LeftAnn    events.Message
}

// KickUser forcibly evicts a non-host member. Hosts may not kick other
// hosts.
func (c *Coordinator) KickUser(ctx context.Context, roomID types.RoomID, callerID, targetID types.UserID) (KickOutcome, error) {
	ctx, end := c.startSpan(ctx, "kick-user")
	var err error
	defer func() { end(err) }()

	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return KickOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return KickOutcome{}, err
	}

	caller, found := room.FindUser(callerID)
	if !found || !caller.IsHost {
		err = events.NewCodedError(events.ErrHostOnly, "")
		return KickOutcome{}, err
	}

	target, found := room.FindUser(targetID)
	if !found {
		err = events.NewCodedError(events.ErrTargetNotInRoom, "")
		return KickOutcome{}, err
	}
	if target.IsHost {
		err = events.NewCodedError(events.ErrHostOnly, "cannot kick another host")
		return KickOutcome{}, err
	}

	targetName := target.DisplayName
	remaining, _, _, remErr := c.rooms.RemoveUser(ctx, roomID, targetID)
	if remErr != nil {
		err = remErr
		return KickOutcome{}, events.NewCodedError(events.ErrInternal, "failed to kick user")
	}
	_ = c.ids.Remove(ctx, targetID)

	var announceTo []types.UserID
	if remaining != nil {
		announceTo = userIDs(remaining.Users)
		metrics.RoomUsers.WithLabelValues(string(roomID)).Set(float64(len(remaining.Users)))
	}
	c.relay.LeaveAll(ctx, roomID, targetID, announceTo)

	kickedBy := callerID
	return KickOutcome{
		KickedID: targetID,
		Announce: events.Message{
			Event:   events.EventUserKicked,
			Payload: events.UserKickedPayload{UserID: targetID, UserName: targetName, KickedBy: &kickedBy},
		},
		AnnounceTo: announceTo,
		LeftAnn:    events.Message{Event: events.EventUserLeft, Payload: events.UserLeftPayload{UserID: targetID}},
	}, nil
}
