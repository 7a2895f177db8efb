package roomstate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionState mirrors the state reported by the channel adapter
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosing    ConnectionState = "closing"
	StateClosed     ConnectionState = "closed"
)

// ParseConnectionState converts a wire value into a ConnectionState.
// Anything unknown is treated as closed.
func ParseConnectionState(s string) ConnectionState {
	switch ConnectionState(strings.ToLower(s)) {
	case StateConnecting:
		return StateConnecting
	case StateOpen:
		return StateOpen
	case StateClosing:
		return StateClosing
	default:
		return StateClosed
	}
}

// ErrInvalidIdentity is returned when a room identity is incomplete
var ErrInvalidIdentity = errors.New("invalid room identity")

// Identity is the (room, participant) pair carried by every outbound message.
// It is a value type and is never mutated after the session starts.
type Identity struct {
	RoomID int64  `json:"roomId"`
	UserID string `json:"userId"`
}

// NewIdentity validates and returns an Identity
func NewIdentity(roomID int64, userID string) (Identity, error) {
	id := Identity{RoomID: roomID, UserID: strings.TrimSpace(userID)}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate reports whether the identity can be used on the wire
func (id Identity) Validate() error {
	if id.RoomID <= 0 {
		return fmt.Errorf("%w: room id must be positive, got %d", ErrInvalidIdentity, id.RoomID)
	}
	if id.UserID == "" {
		return fmt.Errorf("%w: user id is empty", ErrInvalidIdentity)
	}
	return nil
}

func (id Identity) String() string {
	return fmt.Sprintf("room:%d/user:%s", id.RoomID, id.UserID)
}

// Member is one participant visible through channel presence
type Member struct {
	UserID    string    `json:"userId" msgpack:"userId"`
	Username  string    `json:"username,omitempty" msgpack:"username,omitempty"`
	Spectator bool      `json:"spectator,omitempty" msgpack:"spectator,omitempty"`
	SeenAt    time.Time `json:"seenAt" msgpack:"seenAt"`
}

// Snapshot is a consistent copy of the store contents
type Snapshot struct {
	ConnectionState  ConnectionState
	ConnectedAt      *time.Time
	LastPongReceived time.Time
	LastHeartbeat    time.Time
	Members          map[string]Member
}

// SincePong returns how long the remote side has been silent at now
func (s Snapshot) SincePong(now time.Time) time.Duration {
	return now.Sub(s.LastPongReceived)
}
