package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
)

// Well-known event names on the room channel
const (
	EventPong         = "pong"
	EventPresence     = "presence"
	EventPresenceSync = "presence_sync"
	EventRoomState    = "room_state"
	EventAction       = "action"
	EventHeartbeat    = "heartbeat"
	EventHeartbeatAck = "heartbeat_ack"
)

// ErrClosed is returned when using a channel after Close
var ErrClosed = errors.New("channel closed")

// ErrNotAttached is returned when publishing before Attach
var ErrNotAttached = errors.New("channel not attached")

// Message is an inbound application event on the room channel
type Message struct {
	Name       string
	Data       []byte
	From       string
	ReceivedAt time.Time
}

// Listener receives adapter notifications. Each Attach takes exactly one
// listener, so a channel can never hold duplicate subscriptions.
type Listener interface {
	OnState(state roomstate.ConnectionState)
	OnPong(at time.Time)
	OnPresence(member roomstate.Member, present bool)
	OnPresenceSync(members []roomstate.Member)
	OnMessage(msg Message)
}

// Channel is a bidirectional pub/sub channel keyed by room identity
type Channel interface {
	// Attach connects, subscribes and enters presence. It may return before
	// the transport reaches open; progress is reported through l.
	Attach(ctx context.Context, l Listener) error
	Publish(ctx context.Context, name string, data []byte) error
	// Close drops every subscription and the transport
	Close() error
}

// Factory builds a fresh channel for an identity; recovery calls it again
type Factory func(id roomstate.Identity) (Channel, error)

// RoomName is the channel/subject root for a room
func RoomName(id roomstate.Identity) string {
	return fmt.Sprintf("room.%d", id.RoomID)
}

// NopListener ignores every notification; embed it to implement a subset
type NopListener struct{}

func (NopListener) OnState(roomstate.ConnectionState) {}
func (NopListener) OnPong(time.Time) {}
func (NopListener) OnPresence(roomstate.Member, bool) {}
func (NopListener) OnPresenceSync([]roomstate.Member) {}
func (NopListener) OnMessage(Message) {}
