package ablychannel

import (
	"context"
	"testing"
	"time"

	"github.com/ably/ably-go/ably"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
)

func TestMapState(t *testing.T) {
	cases := map[ably.ConnectionState]roomstate.ConnectionState{
		ably.ConnectionStateInitialized:  roomstate.StateConnecting,
		ably.ConnectionStateConnecting:   roomstate.StateConnecting,
		ably.ConnectionStateConnected:    roomstate.StateOpen,
		ably.ConnectionStateDisconnected: roomstate.StateConnecting,
		ably.ConnectionStateSuspended:    roomstate.StateConnecting,
		ably.ConnectionStateClosing:      roomstate.StateClosing,
		ably.ConnectionStateClosed:       roomstate.StateClosed,
		ably.ConnectionStateFailed:       roomstate.StateClosed,
	}
	for in, want := range cases {
		if got := MapState(in); got != want {
			t.Errorf("MapState(%v) = %s, want %s", in, got, want)
		}
	}
}

func TestMemberFromPresence(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	enter := &ably.PresenceMessage{
		Message: ably.Message{
			ClientID:  "bob",
			Data:      `{"username":"Bob","spectator":true}`,
			Timestamp: ts.UnixMilli(),
		},
		Action: ably.PresenceActionEnter,
	}
	m, present := MemberFromPresence(enter)
	if !present {
		t.Fatalf("enter should mark the member present")
	}
	want := roomstate.Member{UserID: "bob", Username: "Bob", Spectator: true, SeenAt: ts}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("member mismatch (-want +got):\n%s", diff)
	}

	leave := &ably.PresenceMessage{Message: ably.Message{ClientID: "bob"}, Action: ably.PresenceActionLeave}
	if m, present := MemberFromPresence(leave); present || m.UserID != "bob" {
		t.Fatalf("leave should mark bob absent, got %+v present=%v", m, present)
	}

	mapped := &ably.PresenceMessage{
		Message: ably.Message{ClientID: "carol", Data: map[string]interface{}{"username": "Carol"}},
		Action:  ably.PresenceActionPresent,
	}
	if m, present := MemberFromPresence(mapped); !present || m.Username != "Carol" {
		t.Fatalf("expected Carol present, got %+v present=%v", m, present)
	}

	garbage := &ably.PresenceMessage{Message: ably.Message{ClientID: "dave", Data: "not json"}, Action: ably.PresenceActionUpdate}
	if m, present := MemberFromPresence(garbage); !present || m.Username != "" {
		t.Fatalf("undecodable data should still yield the member, got %+v", m)
	}
}

type recorder struct {
	channel.NopListener
	pongs    int
	messages []channel.Message
	presence []roomstate.Member
}

func (r *recorder) OnPong(time.Time) { r.pongs++ }
func (r *recorder) OnMessage(m channel.Message) { r.messages = append(r.messages, m) }
func (r *recorder) OnPresence(m roomstate.Member, _ bool) { r.presence = append(r.presence, m) }

func TestHandleMessage(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(roomstate.Identity{RoomID: 9, UserID: "alice"}, action.Participant{Username: "Alice"}, DefaultConfig(), clock)
	rec := &recorder{}
	c.listener = rec

	c.handleMessage(&ably.Message{Name: channel.EventRoomState, ClientID: "server", Data: `{"revealed":false}`})
	c.handleMessage(&ably.Message{Name: channel.EventAction, ClientID: "alice", Data: `{}`})
	c.handleMessage(&ably.Message{Name: channel.EventPong, ClientID: "server"})
	c.handleMessage(&ably.Message{Name: channel.EventHeartbeatAck, ClientID: "server"})
	c.handlePresence(&ably.PresenceMessage{Message: ably.Message{ClientID: "bob"}, Action: ably.PresenceActionEnter})
	c.handlePresence(&ably.PresenceMessage{Message: ably.Message{ClientID: "alice"}, Action: ably.PresenceActionEnter})

	// room_state, pong, heartbeat_ack and bob's presence; alice's own echoes do not count
	if rec.pongs != 4 {
		t.Fatalf("expected 4 pongs from other clients, got %d", rec.pongs)
	}
	if len(rec.messages) != 1 {
		t.Fatalf("own echoes and pongs must not surface as messages, got %+v", rec.messages)
	}
	if m := rec.messages[0]; m.Name != channel.EventRoomState || string(m.Data) != `{"revealed":false}` || !m.ReceivedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected message %+v", m)
	}
	if len(rec.presence) != 2 || rec.presence[0].UserID != "bob" || rec.presence[1].UserID != "alice" {
		t.Fatalf("unexpected presence %+v", rec.presence)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c.handleMessage(&ably.Message{Name: channel.EventRoomState, ClientID: "server"})
	if rec.pongs != 4 {
		t.Fatalf("listener called after close")
	}
}

func TestOwnEchoesNeverCountAsPongs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(roomstate.Identity{RoomID: 9, UserID: "alice"}, action.Participant{}, DefaultConfig(), clock)
	rec := &recorder{}
	c.listener = rec

	for i := 0; i < 10; i++ {
		clock.Advance(12 * time.Second)
		c.handleMessage(&ably.Message{Name: channel.EventHeartbeat, ClientID: "alice", Data: `{"roomId":9,"userId":"alice"}`})
		c.handleMessage(&ably.Message{Name: channel.EventAction, ClientID: "alice", Data: `{"action":"vote"}`})
	}
	if rec.pongs != 0 {
		t.Fatalf("own heartbeats and actions refreshed liveness %d times", rec.pongs)
	}
	if len(rec.messages) != 0 {
		t.Fatalf("own echoes surfaced as messages: %+v", rec.messages)
	}
}

func TestPublishRequiresAttach(t *testing.T) {
	c := New(roomstate.Identity{RoomID: 1, UserID: "alice"}, action.Participant{}, DefaultConfig(), nil)
	if err := c.Publish(context.Background(), "x", nil); err != channel.ErrNotAttached {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	if err := c.Heartbeat(context.Background(), roomstate.Identity{RoomID: 1, UserID: "alice"}); err != channel.ErrNotAttached {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestFactoryRequiresKey(t *testing.T) {
	factory := NewFactory(action.Participant{}, DefaultConfig(), nil)
	if _, err := factory(roomstate.Identity{RoomID: 1, UserID: "alice"}); err == nil {
		t.Fatalf("expected error without an API key")
	}
}
