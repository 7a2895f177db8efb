package ablychannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ably/ably-go/ably"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the Ably room channel
type Config struct {
	Key          string
	LeaveTimeout time.Duration
}

// DefaultConfig returns default Ably configuration
func DefaultConfig() Config {
	return Config{LeaveTimeout: 3 * time.Second}
}

// MapState translates an Ably connection state into a room connection state
func MapState(s ably.ConnectionState) roomstate.ConnectionState {
	switch s {
	case ably.ConnectionStateConnected:
		return roomstate.StateOpen
	case ably.ConnectionStateInitialized, ably.ConnectionStateConnecting,
		ably.ConnectionStateDisconnected, ably.ConnectionStateSuspended:
		return roomstate.StateConnecting
	case ably.ConnectionStateClosing:
		return roomstate.StateClosing
	default:
		return roomstate.StateClosed
	}
}

// memberData is the presence payload each client enters with
type memberData struct {
	Username  string `json:"username"`
	Spectator bool   `json:"spectator,omitempty"`
}

// MemberFromPresence converts a presence message into a roster entry
func MemberFromPresence(p *ably.PresenceMessage) (roomstate.Member, bool) {
	m := roomstate.Member{UserID: p.ClientID}
	if p.Timestamp > 0 {
		m.SeenAt = time.UnixMilli(p.Timestamp).UTC()
	}

	var data memberData
	if raw, err := payloadBytes(p.Data); err == nil && len(raw) > 0 {
		if json.Unmarshal(raw, &data) == nil {
			m.Username = data.Username
			m.Spectator = data.Spectator
		}
	}

	switch p.Action {
	case ably.PresenceActionLeave, ably.PresenceActionAbsent:
		return m, false
	default:
		return m, true
	}
}

// payloadBytes normalises Ably message data into raw bytes
func payloadBytes(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Channel is a room channel on Ably realtime with presence
type Channel struct {
	id          roomstate.Identity
	cfg         Config
	clock       clockwork.Clock
	logger      zerolog.Logger
	participant action.Participant

	emitMu   sync.Mutex
	listener channel.Listener
	closed   bool

	mu      sync.Mutex
	client  *ably.Realtime
	room    *ably.RealtimeChannel
	cleanup []func()
}

// New creates a channel for id. Nothing connects until Attach.
func New(id roomstate.Identity, p action.Participant, cfg Config, clock clockwork.Clock) *Channel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Channel{
		id:          id,
		cfg:         cfg,
		clock:       clock,
		participant: p,
		logger: log.With().
			Str("component", "ablychannel").
			Int64("room_id", id.RoomID).
			Str("user_id", id.UserID).
			Logger(),
	}
}

// NewFactory returns a channel.Factory producing Ably channels
func NewFactory(p action.Participant, cfg Config, clock clockwork.Clock) channel.Factory {
	return func(id roomstate.Identity) (channel.Channel, error) {
		if cfg.Key == "" {
			return nil, errors.New("ably key is empty")
		}
		return New(id, p, cfg, clock), nil
	}
}

// Attach connects, attaches the room channel, subscribes and enters presence
func (c *Channel) Attach(ctx context.Context, l channel.Listener) error {
	c.emitMu.Lock()
	if c.closed {
		c.emitMu.Unlock()
		return channel.ErrClosed
	}
	if c.listener != nil {
		c.emitMu.Unlock()
		return errors.New("channel already attached")
	}
	c.listener = l
	c.emitMu.Unlock()

	client, err := ably.NewRealtime(
		ably.WithKey(c.cfg.Key),
		ably.WithClientID(c.id.UserID),
		ably.WithAutoConnect(false),
	)
	if err != nil {
		c.emitState(roomstate.StateClosed)
		return fmt.Errorf("create ably client: %w", err)
	}

	offConn := client.Connection.OnAll(func(change ably.ConnectionStateChange) {
		if change.Reason != nil {
			c.logger.Warn().Str("state", change.Current.String()).Str("reason", change.Reason.Error()).Msg("Ably connection state changed")
		} else {
			c.logger.Debug().Str("state", change.Current.String()).Msg("Ably connection state changed")
		}
		c.emitState(MapState(change.Current))
	})
	room := client.Channels.Get(channel.RoomName(c.id))
	c.mu.Lock()
	c.client = client
	c.room = room
	c.mu.Unlock()
	c.track(offConn)
	client.Connect()

	if err := room.Attach(ctx); err != nil {
		return fmt.Errorf("attach %s: %w", channel.RoomName(c.id), err)
	}

	offMsgs, err := room.SubscribeAll(ctx, c.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.track(offMsgs)

	offPresence, err := room.Presence.SubscribeAll(ctx, c.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	c.track(offPresence)

	data, err := json.Marshal(memberData{Username: c.participant.Username, Spectator: c.participant.Spectator})
	if err != nil {
		return err
	}
	if err := room.Presence.Enter(ctx, string(data)); err != nil {
		return fmt.Errorf("enter presence: %w", err)
	}

	present, err := room.Presence.Get(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to fetch presence set")
		return nil
	}
	members := make([]roomstate.Member, 0, len(present))
	for _, p := range present {
		if m, ok := MemberFromPresence(p); ok {
			members = append(members, m)
		}
	}
	c.emit(func(l channel.Listener) { l.OnPresenceSync(members) })
	return nil
}

func (c *Channel) track(off func()) {
	c.mu.Lock()
	c.cleanup = append(c.cleanup, off)
	c.mu.Unlock()
}

// handleMessage routes channel messages. Only traffic from other clients
// counts as liveness; Ably echoes our own publishes back to us.
func (c *Channel) handleMessage(msg *ably.Message) {
	if msg.ClientID == c.id.UserID {
		return
	}
	now := c.clock.Now()
	c.emitPong(now)
	if msg.Name == channel.EventPong || msg.Name == channel.EventHeartbeatAck {
		return
	}
	data, err := payloadBytes(msg.Data)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", msg.Name).Msg("dropping undecodable message")
		return
	}
	m := channel.Message{Name: msg.Name, Data: data, From: msg.ClientID, ReceivedAt: now}
	c.emit(func(l channel.Listener) { l.OnMessage(m) })
}

func (c *Channel) handlePresence(p *ably.PresenceMessage) {
	if p.ClientID != c.id.UserID {
		c.emitPong(c.clock.Now())
	}
	m, present := MemberFromPresence(p)
	c.emit(func(l channel.Listener) { l.OnPresence(m, present) })
}

func (c *Channel) ready() (*ably.RealtimeChannel, error) {
	c.emitMu.Lock()
	closed := c.closed
	c.emitMu.Unlock()
	if closed {
		return nil, channel.ErrClosed
	}
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil, channel.ErrNotAttached
	}
	return room, nil
}

// Publish sends an application event on the room channel
func (c *Channel) Publish(ctx context.Context, name string, data []byte) error {
	room, err := c.ready()
	if err != nil {
		return err
	}
	if err := room.Publish(ctx, name, string(data)); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// Dispatch publishes an action. Failures are logged, not returned.
func (c *Channel) Dispatch(ctx context.Context, a action.Action) {
	data, err := json.Marshal(a)
	if err == nil {
		err = c.Publish(ctx, channel.EventAction, data)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("action", string(a.Verb)).Msg("failed to dispatch action")
	}
}

// Heartbeat publishes a heartbeat event; the broker's publish ack is the reply.
// The ack says nothing about the room authority, so it is not a pong.
func (c *Channel) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	data, err := json.Marshal(roomstate.Identity{RoomID: id.RoomID, UserID: id.UserID})
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, channel.EventHeartbeat, data); err != nil {
		return err
	}
	return nil
}

// Close leaves presence, unsubscribes and closes the realtime client
func (c *Channel) Close() error {
	c.emitMu.Lock()
	if c.closed {
		c.emitMu.Unlock()
		return nil
	}
	c.closed = true
	c.emitMu.Unlock()

	c.mu.Lock()
	client, room, cleanup := c.client, c.room, c.cleanup
	c.client, c.room, c.cleanup = nil, nil, nil
	c.mu.Unlock()

	for _, off := range cleanup {
		off()
	}
	if room != nil && client != nil && client.Connection.State() == ably.ConnectionStateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaveTimeout)
		if err := room.Presence.Leave(ctx, nil); err != nil {
			c.logger.Debug().Err(err).Msg("leave presence")
		}
		cancel()
	}
	if client != nil {
		client.Close()
	}
	c.logger.Info().Msg("Ably channel closed")
	return nil
}

func (c *Channel) emit(fn func(channel.Listener)) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed || c.listener == nil {
		return
	}
	fn(c.listener)
}

func (c *Channel) emitState(s roomstate.ConnectionState) {
	c.emit(func(l channel.Listener) { l.OnState(s) })
}

func (c *Channel) emitPong(at time.Time) {
	c.emit(func(l channel.Listener) { l.OnPong(at) })
}
