package natschannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/wire"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the NATS room channel
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	SyncTimeout   time.Duration
	// StateStream is the JetStream stream holding room state snapshots. Empty disables replay.
	StateStream string
}

// DefaultConfig returns default NATS channel configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "planning-poker-client",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		SyncTimeout:   5 * time.Second,
	}
}

// Subject returns the room subject for an event name, e.g. room.42.heartbeat
func Subject(id roomstate.Identity, event string) string {
	return channel.RoomName(id) + "." + event
}

// EventsSubject is where the server fans out room events
func EventsSubject(id roomstate.Identity) string {
	return Subject(id, "events")
}

// Channel is a room channel over a NATS connection
type Channel struct {
	id          roomstate.Identity
	cfg         Config
	clock       clockwork.Clock
	logger      zerolog.Logger
	participant action.Participant

	emitMu   sync.Mutex
	listener channel.Listener
	closed   bool
	open     bool

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
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
			Str("component", "natschannel").
			Int64("room_id", id.RoomID).
			Str("user_id", id.UserID).
			Logger(),
	}
}

// NewFactory returns a channel.Factory producing NATS channels
func NewFactory(p action.Participant, cfg Config, clock clockwork.Clock) channel.Factory {
	return func(id roomstate.Identity) (channel.Channel, error) {
		return New(id, p, cfg, clock), nil
	}
}

// Attach connects to NATS, subscribes to room events and enters presence
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

	c.emitState(roomstate.StateConnecting)

	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")
			c.markOpen()
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Error().Err(err).Msg("NATS disconnected")
			c.markDown()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			c.markOpen()
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.emitState(roomstate.StateClosed)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		c.emitState(roomstate.StateClosed)
		return fmt.Errorf("connect to NATS: %w", err)
	}

	sub, err := nc.Subscribe(EventsSubject(c.id), c.handle)
	if err != nil {
		nc.Close()
		c.emitState(roomstate.StateClosed)
		return fmt.Errorf("subscribe to room events: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.sub = sub
	c.mu.Unlock()

	if nc.IsConnected() {
		c.markOpen()
	}
	if c.cfg.StateStream != "" {
		go c.replayState(context.Background(), nc)
	}
	return nil
}

// markOpen reports open once per connection and re-enters presence
func (c *Channel) markOpen() {
	c.emitMu.Lock()
	if c.closed || c.listener == nil || c.open {
		c.emitMu.Unlock()
		return
	}
	c.open = true
	c.listener.OnState(roomstate.StateOpen)
	c.emitMu.Unlock()
	go c.enterPresence()
}

func (c *Channel) markDown() {
	c.emitMu.Lock()
	c.open = false
	c.emitMu.Unlock()
	c.emitState(roomstate.StateConnecting)
}

func (c *Channel) conn() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// enterPresence announces this member and asks the server for the roster
func (c *Channel) enterPresence() {
	nc := c.conn()
	if nc == nil {
		return
	}
	member := roomstate.Member{
		UserID:    c.id.UserID,
		Username:  c.participant.Username,
		Spectator: c.participant.Spectator,
		SeenAt:    c.clock.Now(),
	}
	if err := c.publishPresence(nc, member, true); err != nil {
		c.logger.Warn().Err(err).Msg("failed to enter presence")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SyncTimeout)
	defer cancel()
	reply, err := nc.RequestWithContext(ctx, Subject(c.id, channel.EventPresenceSync), nil)
	if err != nil {
		c.logger.Debug().Err(err).Msg("presence sync unavailable")
		return
	}
	c.handle(reply)
}

func (c *Channel) publishPresence(nc *nats.Conn, m roomstate.Member, present bool) error {
	env, err := wire.Encode(channel.EventPresence, presencePayload{Member: m, Present: present})
	if err != nil {
		return err
	}
	env.RoomID, env.UserID = c.id.RoomID, c.id.UserID
	data, err := wire.JSON.Marshal(env)
	if err != nil {
		return err
	}
	return nc.Publish(Subject(c.id, channel.EventPresence), data)
}

// replayState delivers the last stored room snapshot so late joiners catch up
func (c *Channel) replayState(ctx context.Context, nc *nats.Conn) {
	js, err := jetstream.New(nc)
	if err != nil {
		c.logger.Warn().Err(err).Msg("create JetStream context")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SyncTimeout)
	defer cancel()

	stream, err := js.Stream(ctx, c.cfg.StateStream)
	if err != nil {
		c.logger.Warn().Err(err).Str("stream", c.cfg.StateStream).Msg("get stream")
		return
	}
	raw, err := stream.GetLastMsgForSubject(ctx, Subject(c.id, channel.EventRoomState))
	if err != nil {
		if !errors.Is(err, jetstream.ErrMsgNotFound) {
			c.logger.Warn().Err(err).Msg("fetch last room state")
		}
		return
	}
	c.emit(func(l channel.Listener) {
		l.OnMessage(channel.Message{Name: channel.EventRoomState, Data: raw.Data, ReceivedAt: raw.Time})
	})
}

type presencePayload struct {
	Member  roomstate.Member `json:"member"`
	Present bool             `json:"present"`
}

// handle routes one inbound message. Any server message counts as liveness.
func (c *Channel) handle(msg *nats.Msg) {
	var env wire.Envelope
	if err := wire.JSON.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable message")
		return
	}
	now := c.clock.Now()
	c.emitPong(now)

	switch env.Type {
	case channel.EventPong:
	case channel.EventPresence:
		var p presencePayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn().Err(err).Msg("bad presence message")
			return
		}
		c.emit(func(l channel.Listener) { l.OnPresence(p.Member, p.Present) })
	case channel.EventPresenceSync:
		var members []roomstate.Member
		if err := env.Decode(&members); err != nil {
			c.logger.Warn().Err(err).Msg("bad presence sync message")
			return
		}
		c.emit(func(l channel.Listener) { l.OnPresenceSync(members) })
	default:
		m := channel.Message{Name: env.Type, Data: env.Data, From: env.UserID, ReceivedAt: now}
		c.emit(func(l channel.Listener) { l.OnMessage(m) })
	}
}

// Publish sends an application event on room.<id>.<name>
func (c *Channel) Publish(ctx context.Context, name string, data []byte) error {
	nc, err := c.ready()
	if err != nil {
		return err
	}
	env := wire.Envelope{Type: name, RoomID: c.id.RoomID, UserID: c.id.UserID}
	if len(data) > 0 {
		env.Data = json.RawMessage(data)
	}
	frame, err := wire.JSON.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := nc.Publish(Subject(c.id, name), frame); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (c *Channel) ready() (*nats.Conn, error) {
	c.emitMu.Lock()
	closed := c.closed
	c.emitMu.Unlock()
	if closed {
		return nil, channel.ErrClosed
	}
	nc := c.conn()
	if nc == nil {
		return nil, channel.ErrNotAttached
	}
	return nc, nil
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

// Heartbeat issues a request on room.<id>.heartbeat and checks the reply
func (c *Channel) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	nc, err := c.ready()
	if err != nil {
		return err
	}
	frame, err := wire.JSON.Marshal(wire.Envelope{Type: channel.EventHeartbeat, RoomID: id.RoomID, UserID: id.UserID})
	if err != nil {
		return err
	}
	reply, err := nc.RequestWithContext(ctx, Subject(id, channel.EventHeartbeat), frame)
	if err != nil {
		return fmt.Errorf("heartbeat request: %w", err)
	}
	c.emitPong(c.clock.Now())
	return ackError(reply.Data)
}

// ackError interprets a heartbeat reply; an empty reply is an ack
func ackError(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var env wire.Envelope
	if err := wire.JSON.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode heartbeat reply: %w", err)
	}
	if env.OK != nil && !*env.OK {
		if env.Error == "" {
			return errors.New("heartbeat rejected")
		}
		return fmt.Errorf("heartbeat rejected: %s", env.Error)
	}
	return nil
}

// Close leaves presence, drops the subscription and closes the connection
func (c *Channel) Close() error {
	c.emitMu.Lock()
	if c.closed {
		c.emitMu.Unlock()
		return nil
	}
	c.closed = true
	c.emitMu.Unlock()

	c.mu.Lock()
	nc, sub := c.nc, c.sub
	c.nc, c.sub = nil, nil
	c.mu.Unlock()
	if nc == nil {
		return nil
	}

	if nc.IsConnected() {
		if err := c.publishPresence(nc, roomstate.Member{UserID: c.id.UserID}, false); err == nil {
			nc.FlushTimeout(time.Second)
		}
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Debug().Err(err).Msg("unsubscribe room events")
		}
	}
	nc.Close()
	c.logger.Info().Msg("NATS channel closed")
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
