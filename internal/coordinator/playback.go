package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/events"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/types"
)

// PlaybackOutcome is the broadcast a playback mutation produces.
type PlaybackOutcome struct {
	Announce   events.Message
	AnnounceTo []types.UserID
}

func (c *Coordinator) requireHost(room *types.Room, userID types.UserID) error {
	user, found := room.FindUser(userID)
	if !found || !user.IsHost {
		return events.NewCodedError(events.ErrHostOnly, "")
	}
	return nil
}

// SetVideo runs the resolver synchronously and attaches its verdict to the
// room, resetting videoState since the video changed. Broadcasts to the
// whole room including the caller — unlike play/pause/seek, the caller
// hasn't already applied this change locally.
func (c *Coordinator) SetVideo(ctx context.Context, roomID types.RoomID, callerID types.UserID, videoURL string) (PlaybackOutcome, error) {
	ctx, end := c.startSpan(ctx, "set-video")
	var err error
	defer func() { end(err) }()

	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return PlaybackOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return PlaybackOutcome{}, err
	}
	if err = c.requireHost(room, callerID); err != nil {
		return PlaybackOutcome{}, err
	}

	meta := c.resolver.Resolve(ctx, videoURL)

	updated, setErr := c.rooms.SetVideo(ctx, roomID, videoURL, meta.VideoType, meta)
	if setErr != nil {
		err = setErr
		return PlaybackOutcome{}, events.NewCodedError(events.ErrInternal, "failed to set video")
	}

	logging.Info(ctx, "video set", zap.String("roomId", string(roomID)), zap.String("deliveryType", string(meta.DeliveryType)))

	return PlaybackOutcome{
		Announce: events.Message{
			Event:   events.EventVideoSet,
			Payload: events.VideoSetPayload{VideoURL: videoURL, VideoType: meta.VideoType, VideoMeta: meta},
		},
		AnnounceTo: userIDs(updated.Users),
	}, nil
}

// applyPlayback is shared by play/pause/seek: it updates the authoritative
// clock and returns the outbound broadcast, which excludes the caller —
// the caller already applied the change locally.
func (c *Coordinator) applyPlayback(ctx context.Context, roomID types.RoomID, callerID types.UserID, currentTime float64, isPlaying bool, outEvent events.Event) (PlaybackOutcome, error) {
	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		return PlaybackOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		return PlaybackOutcome{}, events.NewCodedError(events.ErrRoomNotFound, "")
	}
	if err := c.requireHost(room, callerID); err != nil {
		return PlaybackOutcome{}, err
	}

	now := time.Now()
	state := types.VideoState{
		IsPlaying:      isPlaying,
		CurrentTime:    currentTime,
		Duration:       room.VideoState.Duration,
		LastUpdateTime: now,
	}
	updated, updErr := c.rooms.UpdateVideoState(ctx, roomID, state)
	if updErr != nil {
		return PlaybackOutcome{}, events.NewCodedError(events.ErrInternal, "failed to update playback state")
	}

	return PlaybackOutcome{
		Announce: events.Message{
			Event:   outEvent,
			Payload: events.PlaybackEventPayload{CurrentTime: currentTime, Timestamp: now.UnixMilli()},
		},
		AnnounceTo: except(userIDs(updated.Users), callerID),
	}, nil
}

// PlayVideo handles play-video (host only).
func (c *Coordinator) PlayVideo(ctx context.Context, roomID types.RoomID, callerID types.UserID, currentTime float64) (PlaybackOutcome, error) {
	ctx, end := c.startSpan(ctx, "play-video")
	out, err := c.applyPlayback(ctx, roomID, callerID, currentTime, true, events.EventVideoPlayed)
	end(err)
	return out, err
}

// PauseVideo handles pause-video (host only).
func (c *Coordinator) PauseVideo(ctx context.Context, roomID types.RoomID, callerID types.UserID, currentTime float64) (PlaybackOutcome, error) {
	ctx, end := c.startSpan(ctx, "pause-video")
	out, err := c.applyPlayback(ctx, roomID, callerID, currentTime, false, events.EventVideoPaused)
	end(err)
	return out, err
}

// SeekVideo handles seek-video (host only). Preserves the room's current
// play/pause state — a seek does not implicitly start or stop playback.
func (c *Coordinator) SeekVideo(ctx context.Context, roomID types.RoomID, callerID types.UserID, currentTime float64) (PlaybackOutcome, error) {
	ctx, end := c.startSpan(ctx, "seek-video")
	var err error
	defer func() { end(err) }()

	lock := c.lockRoom(roomID)
	lock.Lock()
	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil || !ok {
		lock.Unlock()
		if getErr != nil {
			err = getErr
			return PlaybackOutcome{}, events.NewCodedError(events.ErrInternal, "room store unavailable")
		}
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return PlaybackOutcome{}, err
	}
	isPlaying := room.VideoState.IsPlaying
	lock.Unlock()

	out, applyErr := c.applyPlayback(ctx, roomID, callerID, currentTime, isPlaying, events.EventVideoSeeked)
	err = applyErr
	return out, applyErr
}

// SyncCheck is the host heartbeat, reported roughly every 5s. It refreshes the
// authoritative clock unconditionally, but only tells guests to
// resynchronize when the previously stored extrapolation had already
// drifted from what the host now reports by more than the drift threshold.
func (c *Coordinator) SyncCheck(ctx context.Context, roomID types.RoomID, callerID types.UserID, currentTime float64, isPlaying bool) (*PlaybackOutcome, error) {
	ctx, end := c.startSpan(ctx, "sync-check")
	var err error
	defer func() { end(err) }()

	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return nil, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok {
		err = events.NewCodedError(events.ErrRoomNotFound, "")
		return nil, err
	}
	if err = c.requireHost(room, callerID); err != nil {
		return nil, err
	}

	now := time.Now()
	priorAuthoritative := room.VideoState.PresentationTime(now)
	drift := priorAuthoritative - currentTime
	if drift < 0 {
		drift = -drift
	}

	newState := types.VideoState{
		IsPlaying:      isPlaying,
		CurrentTime:    currentTime,
		Duration:       room.VideoState.Duration,
		LastUpdateTime: now,
	}
	updated, updErr := c.rooms.UpdateVideoState(ctx, roomID, newState)
	if updErr != nil {
		err = updErr
		return nil, events.NewCodedError(events.ErrInternal, "failed to update playback state")
	}

	if drift <= c.cfg.DriftThreshold {
		return nil, nil
	}

	return &PlaybackOutcome{
		Announce: events.Message{
			Event:   events.EventSyncUpdate,
			Payload: events.SyncUpdatePayload{CurrentTime: currentTime, IsPlaying: isPlaying, Timestamp: now.UnixMilli()},
		},
		AnnounceTo: except(userIDs(updated.Users), callerID),
	}, nil
}

// VideoErrorReport records a guest-reported playback failure. If
// ErrorReportThreshold reports land for a room within ErrorReportWindow,
// direct delivery is presumed broken: the stored videoMeta flips to proxy
// delivery and video-set is rebroadcast.
func (c *Coordinator) VideoErrorReport(ctx context.Context, roomID types.RoomID, reporterID types.UserID, currentSrc string) (*PlaybackOutcome, error) {
	ctx, end := c.startSpan(ctx, "video-error-report")
	var err error
	defer func() { end(err) }()

	logging.Warn(ctx, "video error reported", zap.String("roomId", string(roomID)), zap.String("currentSrc", currentSrc))

	now := time.Now()
	c.errReportsMu.Lock()
	reports := append(c.errReports[roomID], now)
	cutoff := now.Add(-c.cfg.ErrorReportWindow)
	fresh := reports[:0]
	for _, t := range reports {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	c.errReports[roomID] = fresh
	count := len(fresh)
	c.errReportsMu.Unlock()

	if count < c.cfg.ErrorReportThreshold {
		return nil, nil
	}

	lock := c.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok, getErr := c.rooms.Get(ctx, roomID)
	if getErr != nil {
		err = getErr
		return nil, events.NewCodedError(events.ErrInternal, "room store unavailable")
	}
	if !ok || room.VideoMeta == nil || room.VideoMeta.RequiresProxy {
		return nil, nil
	}

	meta := *room.VideoMeta
	meta.RequiresProxy = true
	meta.DeliveryType = types.DeliveryFileProxy
	meta.PlaybackURL = c.resolver.ProxyURL(meta.OriginalURL)
	meta.DecisionReasons = append(meta.DecisionReasons, "error-report-fallback")

	updated, setErr := c.rooms.SetVideo(ctx, roomID, room.VideoURL, meta.VideoType, &meta)
	if setErr != nil {
		err = setErr
		return nil, events.NewCodedError(events.ErrInternal, "failed to flip video to proxy")
	}

	c.errReportsMu.Lock()
	delete(c.errReports, roomID)
	c.errReportsMu.Unlock()

	return &PlaybackOutcome{
		Announce: events.Message{
			Event:   events.EventVideoSet,
			Payload: events.VideoSetPayload{VideoURL: updated.VideoURL, VideoType: updated.VideoType, VideoMeta: &meta},
		},
		AnnounceTo: userIDs(updated.Users),
	}, nil
}
