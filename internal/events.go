package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"dashchat/internal/storage"
)

// Inbound event names (client -> server).
const (
	EventRegister       = "register"
	EventJoinChannel    = "joinChannel"
	EventLeaveChannel   = "leaveChannel"
	EventChannelMessage = "channelMessage"
	EventDirectMessage  = "directMessage"
	EventMarkSeen       = "markSeen"
)

// Outbound event names (server -> client). channelMessage and directMessage are shared
// with the inbound names above.
const (
	EventUserOnline            = "userOnline"
	EventUserOffline           = "userOffline"
	EventPresence              = "presence"
	EventChannelMessageEdited  = "channelMessageEdited"
	EventChannelMessageDeleted = "channelMessageDeleted"
	EventMessagesSeen          = "messagesSeen"
)

var validate = validator.New()

var errUnknownEvent = errors.New("unknown event type")

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RegisterEvent binds the connection to an identity.
type RegisterEvent struct {
	Identity string `json:"identity" validate:"required,max=64"`
	Token    string `json:"token,omitempty"`
}

// JoinChannelEvent subscribes the connection to a channel room.
type JoinChannelEvent struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

// LeaveChannelEvent unsubscribes the connection from a channel room.
type LeaveChannelEvent struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

// PostChannelMessageEvent carries a new channel message. ID lets a client retry safely.
type PostChannelMessageEvent struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
	Text      string `json:"text" validate:"required"`
	ID        string `json:"id,omitempty" validate:"omitempty,uuid"`
}

// SendDirectMessageEvent carries a new direct message. From is optional and must match the
// registered identity when present.
type SendDirectMessageEvent struct {
	From string `json:"from,omitempty" validate:"omitempty,max=64"`
	To   string `json:"to" validate:"required,max=64"`
	Text string `json:"text" validate:"required"`
	ID   string `json:"id,omitempty" validate:"omitempty,uuid"`
}

// MarkSeenEvent signals that the conversation with With is on screen.
type MarkSeenEvent struct {
	With string `json:"with" validate:"required,max=64"`
}

// decodeInbound parses a raw frame into one of the typed inbound events, rejecting unknown
// types, unknown fields and payloads that fail validation.
func decodeInbound(payload []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var evt any
	switch env.Type {
	case EventRegister:
		evt = &RegisterEvent{}
	case EventJoinChannel:
		evt = &JoinChannelEvent{}
	case EventLeaveChannel:
		evt = &LeaveChannelEvent{}
	case EventChannelMessage:
		evt = &PostChannelMessageEvent{}
	case EventDirectMessage:
		evt = &SendDirectMessageEvent{}
	case EventMarkSeen:
		evt = &MarkSeenEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, env.Type)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s: missing data", env.Type)
	}
	decoder := json.NewDecoder(bytes.NewReader(env.Data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(evt); err != nil {
		return nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	if err := validate.Struct(evt); err != nil {
		return nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	return evt, nil
}

// Outbound is an event ready to be encoded for fan-out.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type UserOnlinePayload struct {
	Identity string `json:"identity"`
}

type UserOfflinePayload struct {
	Identity string    `json:"identity"`
	LastSeen time.Time `json:"lastSeen"`
}

type PresencePayload struct {
	Online []string `json:"online"`
}

type ChannelMessagePayload struct {
	Message storage.ChannelMessage `json:"message"`
}

type ChannelMessageDeletedPayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
}

type DirectMessagePayload struct {
	Message storage.DirectMessage `json:"message"`
}

// MessagesSeenPayload reports that By has seen Count messages authored by From.
type MessagesSeenPayload struct {
	From  string `json:"from"`
	By    string `json:"by"`
	Count int    `json:"count"`
}

func encodeOutbound(evt Outbound) ([]byte, error) {
	return json.Marshal(evt)
}

// encodeInbound builds a client frame; used by the terminal client and tests.
func encodeInbound(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: raw})
}

// decodeEnvelope splits an outbound frame into its type and raw data; used by the terminal
// client.
func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
