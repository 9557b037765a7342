package messages

import (
	"errors"
	"fmt"
	"strings"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/rooms"
	"github.com/decentralchat/engine/internal/store"
)

const (
	// maxMessageLength bounds message text after trimming.
	maxMessageLength = 500

	// SystemSender is the reserved sender for moderation announcements.
	SystemSender = "system"

	keyPrefix = "msg_"
)

var (
	// ErrEmptyMessage indicates the text is empty after trimming.
	ErrEmptyMessage = errors.New("messages: message is empty")
	// ErrMessageTooLong indicates the text exceeds the length cap.
	ErrMessageTooLong = errors.New("messages: message too long")
	// ErrRateLimited indicates the sender is inside the cooldown window.
	ErrRateLimited = errors.New("messages: rate limited")
	// ErrMissingRecipient indicates a direct target without a channel.
	ErrMissingRecipient = errors.New("messages: direct target requires a channel")
)

// ChatType distinguishes room messages from direct messages.
type ChatType string

const (
	// ChatTypeRoom addresses a shared room stream.
	ChatTypeRoom ChatType = "room"
	// ChatTypeDirect addresses a private two-party stream.
	ChatTypeDirect ChatType = "direct"
)

// Target names one message stream: a room, or a direct channel between two
// addresses.
type Target struct {
	Type      ChatType
	RoomID    string
	ChannelID string
	Recipient identity.Address
}

// RoomTarget addresses a room's message stream.
func RoomTarget(roomID string) Target {
	return Target{Type: ChatTypeRoom, RoomID: roomID}
}

// DirectTarget addresses the direct channel with the given canonical id.
func DirectTarget(channelID string, recipient identity.Address) Target {
	return Target{Type: ChatTypeDirect, ChannelID: channelID, Recipient: recipient}
}

// Path returns the store path holding the target's messages.
func (t Target) Path() (string, error) {
	switch t.Type {
	case ChatTypeDirect:
		if t.ChannelID == "" {
			return "", ErrMissingRecipient
		}
		return store.Join("direct", t.ChannelID), nil
	default:
		return rooms.MessagesPath(t.RoomID), nil
	}
}

// Message is one chat message as persisted in the shared store. Sender
// clocks are not synchronised; Timestamp orders messages approximately.
type Message struct {
	ID             string
	Text           string
	Sender         string // account address, or SystemSender
	SenderNickname string
	Timestamp      int64 // ms, sender clock
	Signature      string
	SignedPayload  string
	ChatType       ChatType
	Recipient      identity.Address // direct messages only
}

// Key derives the store path segment for the message: a composite of
// timestamp and id, lexicographically stable and collision-resistant across
// unsynchronised writers.
func (m Message) Key() string {
	return fmt.Sprintf("%s%d_%s", keyPrefix, m.Timestamp, m.ID)
}

// DedupKey identifies the message across duplicate deliveries. The opaque
// id wins; messages replicated without one fall back to a composite of
// sender, timestamp and text.
func (m Message) DedupKey() string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%s_%d_%s", m.Sender, m.Timestamp, m.Text)
}

// Valid reports whether the message carries enough converged state to
// render: non-empty text, a recognisable sender, a positive timestamp.
func (m Message) Valid() bool {
	if strings.TrimSpace(m.Text) == "" {
		return false
	}
	if m.Sender != SystemSender && !identity.IsValidAddress(m.Sender) {
		return false
	}
	return m.Timestamp > 0
}

// IsSystem reports whether the message is a moderation announcement.
func (m Message) IsSystem() bool {
	return m.Sender == SystemSender
}

func encodeMessage(m Message) store.Value {
	value := store.Value{
		"id":        m.ID,
		"text":      m.Text,
		"sender":    m.Sender,
		"timestamp": m.Timestamp,
		"chatType":  string(m.ChatType),
	}
	if m.SenderNickname != "" {
		value["senderNickname"] = m.SenderNickname
	}
	if m.Signature != "" {
		value["signature"] = m.Signature
		value["signedData"] = m.SignedPayload
	}
	if m.Recipient != "" {
		value["recipient"] = m.Recipient.String()
	}
	return value
}

func decodeMessage(value store.Value) Message {
	var message Message
	message.ID, _ = value.String("id")
	message.Text, _ = value.String("text")
	message.Sender, _ = value.String("sender")
	message.SenderNickname, _ = value.String("senderNickname")
	message.Timestamp, _ = value.Int64("timestamp")
	message.Signature, _ = value.String("signature")
	message.SignedPayload, _ = value.String("signedData")
	if chatType, ok := value.String("chatType"); ok {
		message.ChatType = ChatType(chatType)
	}
	if recipient, ok := value.String("recipient"); ok {
		if address, err := identity.NewAddress(recipient); err == nil {
			message.Recipient = address
		}
	}
	return message
}
