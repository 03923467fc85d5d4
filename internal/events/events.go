// Package events is the event schema and validator (C6): the tagged-variant
// catalog of every inbound and outbound event, with a declarative per-event
// payload shape and field-level validation. The transport layer decodes a
// raw frame into an Event name plus a json.RawMessage payload; this package
// is the single place that payload is both typed and checked before it
// reaches a coordinator.
package events

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/watchsync/party-server/internal/types"
)

// Event is a wire event name. Inbound and outbound events share the same
// type since a few names (none in this catalog) could in principle appear
// on both sides; in practice the direction is determined by which map the
// name is looked up in.
type Event string

const (
	// Lobby (inbound)
	EventCreateRoom  Event = "create-room"
	EventJoinRoom    Event = "join-room"
	EventLeaveRoom   Event = "leave-room"
	EventKickUser    Event = "kick-user"
	EventPromoteHost Event = "promote-host"

	// Video (inbound)
	EventSetVideo         Event = "set-video"
	EventPlayVideo        Event = "play-video"
	EventPauseVideo       Event = "pause-video"
	EventSeekVideo        Event = "seek-video"
	EventSyncCheck        Event = "sync-check"
	EventVideoErrorReport Event = "video-error-report"

	// Chat (inbound)
	EventSendMessage    Event = "send-message"
	EventToggleReaction Event = "toggle-reaction"
	EventTypingStart    Event = "typing-start"
	EventTypingStop     Event = "typing-stop"

	// Lobby (outbound)
	EventRoomCreated  Event = "room-created"
	EventRoomJoined   Event = "room-joined"
	EventRoomError    Event = "room-error"
	EventUserJoined   Event = "user-joined"
	EventUserLeft     Event = "user-left"
	EventUserPromoted Event = "user-promoted"
	EventUserKicked   Event = "user-kicked"

	// Video (outbound)
	EventVideoSet    Event = "video-set"
	EventVideoPlayed Event = "video-played"
	EventVideoPaused Event = "video-paused"
	EventVideoSeeked Event = "video-seeked"
	EventSyncUpdate  Event = "sync-update"

	// Chat (outbound)
	EventNewMessage        Event = "new-message"
	EventReactionUpdated   Event = "reaction-updated"
	EventUserTyping        Event = "user-typing"
	EventUserStoppedTyping Event = "user-stopped-typing"
)

// Modality-scoped events share a shape across voice and video chat, with the
// wire name distinguished by a "voice-"/"videochat-" prefix.
const (
	modalitySuffixJoin                   = "join"
	modalitySuffixLeave                  = "leave"
	modalitySuffixOffer                  = "offer"
	modalitySuffixAnswer                 = "answer"
	modalitySuffixIceCandidate           = "ice-candidate"
	modalitySuffixExistingPeers          = "existing-peers"
	modalitySuffixPeerJoined             = "peer-joined"
	modalitySuffixOfferReceived          = "offer-received"
	modalitySuffixAnswerReceived         = "answer-received"
	modalitySuffixIceCandidateReceived   = "ice-candidate-received"
	modalitySuffixPeerLeft               = "peer-left"
	modalitySuffixParticipantCount       = "participant-count"
	modalitySuffixError                  = "error"
)

func modalityPrefix(m types.Modality) string {
	if m == types.ModalityVideo {
		return "videochat"
	}
	return "voice"
}

// ModalityEvent builds the wire event name for a modality-scoped event, e.g.
// ModalityEvent(types.ModalityVideo, "peer-joined") == "videochat-peer-joined".
func ModalityEvent(m types.Modality, suffix string) Event {
	return Event(modalityPrefix(m) + "-" + suffix)
}

// ParseModality splits a modality-scoped event name back into its modality
// and suffix, e.g. "videochat-offer" -> (ModalityVideo, "offer", true). The
// dispatcher uses this to route the voice-*/videochat-* families through one
// code path.
func ParseModality(e Event) (types.Modality, string, bool) {
	name := string(e)
	if suffix, ok := strings.CutPrefix(name, "voice-"); ok {
		return types.ModalityVoice, suffix, true
	}
	if suffix, ok := strings.CutPrefix(name, "videochat-"); ok {
		return types.ModalityVideo, suffix, true
	}
	return "", "", false
}

// ErrorCode is a wire-stable error kind carried by room-error and the
// modality-specific *-error events. Never a stack trace, always user-safe.
type ErrorCode string

const (
	ErrRoomNotFound          ErrorCode = "room-not-found"
	ErrInvalidHostCreds      ErrorCode = "invalid-host-credentials"
	ErrHostOnly              ErrorCode = "host-only"
	ErrOverCap               ErrorCode = "over-cap"
	ErrValidationFailed      ErrorCode = "validation-failed"
	ErrNameTaken             ErrorCode = "name-taken"
	ErrNotAuthenticated      ErrorCode = "not-authenticated"
	ErrTargetNotInRoom       ErrorCode = "target-not-in-room"
	ErrHostLeft              ErrorCode = "host-left"
	ErrInternal              ErrorCode = "internal"
)

// CodedError pairs a wire ErrorCode with a human-readable detail. The
// dispatcher is the only place that turns one of these into an outbound
// room-error / *-error event.
type CodedError struct {
	Code    ErrorCode
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewCodedError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Envelope is the wire shape for decoding an inbound frame: the payload
// stays as raw JSON until the event name selects its concrete type.
type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Message is the wire shape for encoding an outbound frame.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// assertPayload decodes payload through JSON when it is a json.RawMessage
// and otherwise type-asserts it to the wanted concrete type; any other value
// yields false. Handlers receive json.RawMessage off the wire and pre-built
// structs from tests; this keeps both paths working.
func assertPayload[T any](payload any) (T, bool) {
	var result T

	if raw, ok := payload.(json.RawMessage); ok {
		if err := json.Unmarshal(raw, &result); err != nil {
			return result, false
		}
		return result, true
	}

	if typed, ok := payload.(T); ok {
		return typed, true
	}

	return result, false
}

var (
	roomIDPattern   = regexp.MustCompile(`^[A-Z0-9]{6}$`)
	userNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 \-_.!?]{2,20}$`)
	userIDPattern   = regexp.MustCompile(`^\S{1,128}$`)
)

func validateRoomID(roomID string) error {
	if !roomIDPattern.MatchString(roomID) {
		return NewCodedError(ErrValidationFailed, "roomId must be 6 characters from [A-Z0-9]")
	}
	return nil
}

func validateUserName(name string) error {
	if !userNamePattern.MatchString(name) {
		return NewCodedError(ErrValidationFailed, "userName must be 2-20 chars from [a-zA-Z0-9 -_.!?]")
	}
	return nil
}

func validateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return NewCodedError(ErrValidationFailed, "userId is malformed")
	}
	return nil
}

func validateMessage(msg string) (string, error) {
	trimmed := strings.TrimSpace(msg)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 1000 {
		return "", NewCodedError(ErrValidationFailed, "message must be 1-1000 chars after trimming")
	}
	return trimmed, nil
}

func validateCurrentTime(t float64) error {
	if t < 0 {
		return NewCodedError(ErrValidationFailed, "currentTime must be >= 0")
	}
	return nil
}

// --- Lobby payloads (inbound) ---

type CreateRoomPayload struct {
	HostName string `json:"hostName"`
}

func (p CreateRoomPayload) Validate() error {
	return validateUserName(p.HostName)
}

type JoinRoomPayload struct {
	RoomID    string `json:"roomId"`
	UserName  string `json:"userName"`
	HostToken string `json:"hostToken,omitempty"`
}

func (p JoinRoomPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	return validateUserName(p.UserName)
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p LeaveRoomPayload) Validate() error {
	return validateRoomID(p.RoomID)
}

type KickUserPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p KickUserPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	return validateUserID(p.UserID)
}

type PromoteHostPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p PromoteHostPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	return validateUserID(p.UserID)
}

// --- Video payloads (inbound) ---

type SetVideoPayload struct {
	RoomID   string `json:"roomId"`
	VideoURL string `json:"videoUrl"`
}

func (p SetVideoPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if p.VideoURL == "" {
		return NewCodedError(ErrValidationFailed, "videoUrl is required")
	}
	return nil
}

type PlaybackPayload struct {
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
}

func (p PlaybackPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	return validateCurrentTime(p.CurrentTime)
}

type SyncCheckPayload struct {
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	Timestamp   int64   `json:"timestamp"`
}

func (p SyncCheckPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	return validateCurrentTime(p.CurrentTime)
}

type VideoErrorReportPayload struct {
	RoomID      string   `json:"roomId"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message,omitempty"`
	CurrentSrc  string   `json:"currentSrc"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
}

func (p VideoErrorReportPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if p.CurrentSrc == "" {
		return NewCodedError(ErrValidationFailed, "currentSrc is required")
	}
	return nil
}

// --- Chat payloads (inbound) ---

type SendMessagePayload struct {
	RoomID  string               `json:"roomId"`
	Message string               `json:"message"`
	ReplyTo *types.ReplyEnvelope `json:"replyTo,omitempty"`
}

func (p *SendMessagePayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	trimmed, err := validateMessage(p.Message)
	if err != nil {
		return err
	}
	p.Message = trimmed
	if p.ReplyTo != nil && utf8.RuneCountInString(p.ReplyTo.Message) > 150 {
		return NewCodedError(ErrValidationFailed, "replyTo.message must be <= 150 chars")
	}
	return nil
}

type ToggleReactionPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

func (p ToggleReactionPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if p.MessageID == "" || p.Emoji == "" {
		return NewCodedError(ErrValidationFailed, "messageId and emoji are required")
	}
	return nil
}

type TypingPayload struct {
	RoomID string `json:"roomId"`
}

func (p TypingPayload) Validate() error {
	return validateRoomID(p.RoomID)
}

// --- Signaling payloads (inbound), shared across voice and video chat ---

type ModalityJoinPayload struct {
	RoomID string `json:"roomId"`
}

func (p ModalityJoinPayload) Validate() error {
	return validateRoomID(p.RoomID)
}

type ModalityLeavePayload struct {
	RoomID string `json:"roomId"`
}

func (p ModalityLeavePayload) Validate() error {
	return validateRoomID(p.RoomID)
}

type ModalitySDPPayload struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
	SDP          string `json:"sdp"`
}

func (p ModalitySDPPayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if err := validateUserID(p.TargetUserID); err != nil {
		return err
	}
	if p.SDP == "" {
		return NewCodedError(ErrValidationFailed, "sdp is required")
	}
	return nil
}

type ModalityIceCandidatePayload struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
	Candidate    string `json:"candidate"`
}

func (p ModalityIceCandidatePayload) Validate() error {
	if err := validateRoomID(p.RoomID); err != nil {
		return err
	}
	if err := validateUserID(p.TargetUserID); err != nil {
		return err
	}
	if p.Candidate == "" {
		return NewCodedError(ErrValidationFailed, "candidate is required")
	}
	return nil
}

// --- Outbound payloads ---

type RoomCreatedPayload struct {
	RoomID    types.RoomID `json:"roomId"`
	HostToken string       `json:"hostToken"`
	Room      *types.Room  `json:"room"`
}

type RoomJoinedPayload struct {
	Room   *types.Room  `json:"room"`
	UserID types.UserID `json:"userId"`
}

type RoomErrorPayload struct {
	Error ErrorCode `json:"error"`
}

type UserJoinedPayload struct {
	User types.User `json:"user"`
}

type UserLeftPayload struct {
	UserID types.UserID `json:"userId"`
}

type UserPromotedPayload struct {
	UserID   types.UserID `json:"userId"`
	UserName string       `json:"userName"`
}

type UserKickedPayload struct {
	UserID    types.UserID  `json:"userId"`
	UserName  string        `json:"userName"`
	KickedBy  *types.UserID `json:"kickedBy,omitempty"`
}

type VideoSetPayload struct {
	VideoURL  string           `json:"videoUrl"`
	VideoType types.VideoType  `json:"videoType"`
	VideoMeta *types.VideoMeta `json:"videoMeta"`
}

type PlaybackEventPayload struct {
	CurrentTime float64 `json:"currentTime"`
	Timestamp   int64   `json:"timestamp"`
}

type SyncUpdatePayload struct {
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	Timestamp   int64   `json:"timestamp"`
}

type NewMessagePayload struct {
	Message types.ChatMessage `json:"message"`
}

type ReactionUpdatedPayload struct {
	MessageID types.MessageID         `json:"messageId"`
	Emoji     string                  `json:"emoji"`
	UserID    types.UserID            `json:"userId"`
	Reactions map[string][]types.UserID `json:"reactions"`
	Action    string                  `json:"action"`
}

type UserTypingPayload struct {
	UserID   types.UserID `json:"userId"`
	UserName string       `json:"userName"`
}

type UserStoppedTypingPayload struct {
	UserID types.UserID `json:"userId"`
}

type ModalityExistingPeersPayload struct {
	UserIDs []types.UserID `json:"userIds"`
}

type ModalityPeerJoinedPayload struct {
	UserID types.UserID `json:"userId"`
}

type ModalityPeerLeftPayload struct {
	UserID types.UserID `json:"userId"`
}

type ModalitySDPReceivedPayload struct {
	FromUserID types.UserID `json:"fromUserId"`
	SDP        string       `json:"sdp"`
}

type ModalityIceCandidateReceivedPayload struct {
	FromUserID types.UserID `json:"fromUserId"`
	Candidate  string       `json:"candidate"`
}

type ModalityParticipantCountPayload struct {
	RoomID types.RoomID `json:"roomId"`
	Count  int          `json:"count"`
}

type ModalityErrorPayload struct {
	Error ErrorCode `json:"error"`
}

// --- Validator registry ---

type validatable interface {
	Validate() error
}

func decodeAndValidate[T validatable](raw json.RawMessage) (any, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewCodedError(ErrValidationFailed, "malformed payload")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

var validators = map[Event]func(json.RawMessage) (any, error){
	EventCreateRoom:  decodeAndValidate[CreateRoomPayload],
	EventJoinRoom:    decodeAndValidate[JoinRoomPayload],
	EventLeaveRoom:   decodeAndValidate[LeaveRoomPayload],
	EventKickUser:    decodeAndValidate[KickUserPayload],
	EventPromoteHost: decodeAndValidate[PromoteHostPayload],

	EventSetVideo:         decodeAndValidate[SetVideoPayload],
	EventPlayVideo:        decodeAndValidate[PlaybackPayload],
	EventPauseVideo:       decodeAndValidate[PlaybackPayload],
	EventSeekVideo:        decodeAndValidate[PlaybackPayload],
	EventSyncCheck:        decodeAndValidate[SyncCheckPayload],
	EventVideoErrorReport: decodeAndValidate[VideoErrorReportPayload],

	EventSendMessage:    decodeAndValidate[*SendMessagePayload],
	EventToggleReaction: decodeAndValidate[ToggleReactionPayload],
	EventTypingStart:    decodeAndValidate[TypingPayload],
	EventTypingStop:     decodeAndValidate[TypingPayload],
}

func init() {
	for _, modality := range []types.Modality{types.ModalityVoice, types.ModalityVideo} {
		validators[ModalityEvent(modality, modalitySuffixJoin)] = decodeAndValidate[ModalityJoinPayload]
		validators[ModalityEvent(modality, modalitySuffixLeave)] = decodeAndValidate[ModalityLeavePayload]
		validators[ModalityEvent(modality, modalitySuffixOffer)] = decodeAndValidate[ModalitySDPPayload]
		validators[ModalityEvent(modality, modalitySuffixAnswer)] = decodeAndValidate[ModalitySDPPayload]
		validators[ModalityEvent(modality, modalitySuffixIceCandidate)] = decodeAndValidate[ModalityIceCandidatePayload]
	}
}

// Validate decodes and validates raw against event's declared shape. The
// returned error, if any, is always a *CodedError safe to surface on the
// wire via room-error or a modality *-error.
func Validate(event Event, raw json.RawMessage) (any, error) {
	fn, ok := validators[event]
	if !ok {
		return nil, NewCodedError(ErrValidationFailed, fmt.Sprintf("unknown event %q", event))
	}
	return fn(raw)
}

// Assert re-exposes assertPayload for coordinators that already hold a
// validated `any` and need the concrete type back.
func Assert[T any](payload any) (T, bool) {
	return assertPayload[T](payload)
}
