package wschannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the WebSocket room channel
type Config struct {
	URL              string
	Codec            wire.Codec
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	MaxReconnects    int // negative means unlimited
	ReconnectWait    time.Duration
	Header           http.Header
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		Codec:            wire.JSON,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     20 * time.Second,
		MaxMessageSize:   64 * 1024,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
	}
}

type frame struct {
	binary bool
	data   []byte
}

// Channel is a room channel over a single WebSocket connection that redials
// on its own after transport errors
type Channel struct {
	id     roomstate.Identity
	cfg    Config
	clock  clockwork.Clock
	dialer *websocket.Dialer
	logger zerolog.Logger

	send chan frame

	emitMu   sync.Mutex
	listener channel.Listener
	closed   bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending map[string]chan error
	done    chan struct{}
}

// New creates a channel for id. Nothing is dialed until Attach.
func New(id roomstate.Identity, cfg Config, clock clockwork.Clock) *Channel {
	if cfg.Codec == nil {
		cfg.Codec = wire.JSON
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Channel{
		id:    id,
		cfg:   cfg,
		clock: clock,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: log.With().
			Str("component", "wschannel").
			Int64("room_id", id.RoomID).
			Str("user_id", id.UserID).
			Logger(),
		send:    make(chan frame, 64),
		pending: make(map[string]chan error),
	}
}

// NewFactory returns a channel.Factory producing WebSocket channels
func NewFactory(cfg Config, clock clockwork.Clock) channel.Factory {
	return func(id roomstate.Identity) (channel.Channel, error) {
		if cfg.URL == "" {
			return nil, errors.New("websocket url is empty")
		}
		return New(id, cfg, clock), nil
	}
}

func (c *Channel) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("roomId", strconv.FormatInt(c.id.RoomID, 10))
	q.Set("userId", c.id.UserID)
	q.Set("codec", c.cfg.Codec.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Attach dials the server and starts the read/write pumps
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
	conn, err := c.dial(ctx)
	if err != nil {
		c.emitState(roomstate.StateClosed)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.emitMu.Lock()
	closed := c.closed
	c.emitMu.Unlock()
	if closed {
		cancel()
		conn.Close()
		close(done)
		return channel.ErrClosed
	}

	c.emitState(roomstate.StateOpen)
	go func() {
		defer close(done)
		c.run(runCtx, conn)
	}()
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(c.clock.Now().Add(c.cfg.PongWait))
		c.emitPong(c.clock.Now())
		return nil
	})

	c.logger.Info().Str("url", c.cfg.URL).Str("codec", c.cfg.Codec.Name()).Msg("WebSocket connection established")
	return conn, nil
}

// run serves one connection at a time and redials after transport errors
func (c *Channel) run(ctx context.Context, conn *websocket.Conn) {
	attempts := 0
	for {
		c.serve(ctx, conn)
		c.failPending(errors.New("connection lost"))
		if ctx.Err() != nil {
			return
		}

		c.emitState(roomstate.StateConnecting)
		conn = nil
		for conn == nil {
			if c.cfg.MaxReconnects >= 0 && attempts >= c.cfg.MaxReconnects {
				c.logger.Warn().Int("attempts", attempts).Msg("giving up on reconnect")
				c.emitState(roomstate.StateClosed)
				return
			}
			attempts++
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.cfg.ReconnectWait):
			}
			var err error
			conn, err = c.dial(ctx)
			if err != nil {
				c.logger.Debug().Err(err).Int("attempt", attempts).Msg("reconnect failed")
			}
		}
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		attempts = 0
		c.emitState(roomstate.StateOpen)
	}
}

// serve runs the write pump in the background and the read pump inline.
// On shutdown the write pump owns closing the connection so queued frames
// go out first.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, stop := context.WithCancel(ctx)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(connCtx, conn, readerDone)
	}()

	c.readPump(conn)
	close(readerDone)
	stop()
	<-writerDone
	conn.Close()
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(c.clock.Now().Add(c.cfg.PongWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("unexpected WebSocket close error")
			}
			return
		}
		conn.SetReadDeadline(c.clock.Now().Add(c.cfg.PongWait))

		var env wire.Envelope
		if err := c.cfg.Codec.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.route(env)
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, readerDone <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			select {
			case <-readerDone:
				// connection already gone; leave queued frames for the next one
				return
			default:
			}
			c.shutdown(conn, readerDone)
			return
		case f := <-c.send:
			if err := c.write(conn, f); err != nil {
				c.logger.Error().Err(err).Msg("failed to write message to WebSocket")
				conn.Close()
				return
			}
		case <-ticker.Chan():
			if err := conn.WriteControl(websocket.PingMessage, nil, c.clock.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, f frame) error {
	conn.SetWriteDeadline(c.clock.Now().Add(c.cfg.WriteTimeout))
	msgType := websocket.TextMessage
	if f.binary {
		msgType = websocket.BinaryMessage
	}
	return conn.WriteMessage(msgType, f.data)
}

// shutdown writes every frame still queued, sends a close frame and waits up
// to WriteTimeout for the server to answer it before dropping the connection
func (c *Channel) shutdown(conn *websocket.Conn, readerDone <-chan struct{}) {
	defer conn.Close()
	for drained := false; !drained; {
		select {
		case f := <-c.send:
			if err := c.write(conn, f); err != nil {
				c.logger.Warn().Err(err).Msg("failed to flush queued message")
				return
			}
		default:
			drained = true
		}
	}

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		c.clock.Now().Add(c.cfg.WriteTimeout))
	if err != nil {
		return
	}
	select {
	case <-readerDone:
	case <-c.clock.After(c.cfg.WriteTimeout):
	}
}

// route handles one decoded frame. Every inbound frame proves the server is responsive.
func (c *Channel) route(env wire.Envelope) {
	now := c.clock.Now()
	c.emitPong(now)

	switch env.Type {
	case channel.EventPong:
	case channel.EventHeartbeatAck:
		var err error
		if env.OK != nil && !*env.OK {
			err = fmt.Errorf("heartbeat rejected: %s", env.Error)
		}
		c.resolve(env.ID, err)
	case channel.EventPresence:
		var p presencePayload
		if err := env.Decode(&p); err != nil {
			c.logger.Warn().Err(err).Msg("bad presence frame")
			return
		}
		c.emit(func(l channel.Listener) { l.OnPresence(p.Member, p.Present) })
	case channel.EventPresenceSync:
		var members []roomstate.Member
		if err := env.Decode(&members); err != nil {
			c.logger.Warn().Err(err).Msg("bad presence sync frame")
			return
		}
		c.emit(func(l channel.Listener) { l.OnPresenceSync(members) })
	default:
		msg := channel.Message{Name: env.Type, Data: env.Data, From: env.UserID, ReceivedAt: now}
		c.emit(func(l channel.Listener) { l.OnMessage(msg) })
	}
}

type presencePayload struct {
	Member  roomstate.Member `json:"member"`
	Present bool             `json:"present"`
}

// Publish queues an application event for the server
func (c *Channel) Publish(ctx context.Context, name string, data []byte) error {
	env := wire.Envelope{Type: name, RoomID: c.id.RoomID, UserID: c.id.UserID}
	if len(data) > 0 {
		env.Data = json.RawMessage(data)
	}
	return c.enqueue(ctx, env)
}

func (c *Channel) enqueue(ctx context.Context, env wire.Envelope) error {
	c.emitMu.Lock()
	closed, attached := c.closed, c.listener != nil
	c.emitMu.Unlock()
	if closed {
		return channel.ErrClosed
	}
	if !attached {
		return channel.ErrNotAttached
	}

	data, err := c.cfg.Codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	select {
	case c.send <- frame{binary: c.cfg.Codec.Binary(), data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch sends an action frame. Failures are logged, not returned.
func (c *Channel) Dispatch(ctx context.Context, a action.Action) {
	data, err := json.Marshal(a)
	if err == nil {
		err = c.Publish(ctx, channel.EventAction, data)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("action", string(a.Verb)).Msg("failed to dispatch action")
	}
}

// Heartbeat sends a heartbeat frame and waits for the matching ack
func (c *Channel) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	reqID := uuid.NewString()
	ack := make(chan error, 1)
	c.mu.Lock()
	c.pending[reqID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	env := wire.Envelope{Type: channel.EventHeartbeat, ID: reqID, RoomID: id.RoomID, UserID: id.UserID}
	if err := c.enqueue(ctx, env); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) resolve(id string, err error) {
	c.mu.Lock()
	ack, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		select {
		case ack <- err:
		default:
		}
	}
}

func (c *Channel) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ack := range c.pending {
		select {
		case ack <- err:
		default:
		}
	}
}

// Close stops the pumps and the connection. No listener call happens after Close returns.
func (c *Channel) Close() error {
	c.emitMu.Lock()
	if c.closed {
		c.emitMu.Unlock()
		return nil
	}
	c.closed = true
	c.emitMu.Unlock()

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	// the write pump flushes queued frames and closes the connection
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.failPending(channel.ErrClosed)
	c.logger.Info().Msg("WebSocket channel closed")
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
