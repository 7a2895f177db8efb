package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/health"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/heartbeat"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/leave"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators a session is wired to
type Deps struct {
	// Channel builds the room channel; called again on every forced reconnection
	Channel channel.Factory
	// Dispatcher and Heartbeater default to the current channel when it implements them
	Dispatcher  action.Dispatcher
	Heartbeater action.Heartbeater
	// Beacon is the preferred leave path; nil means leave always goes through the dispatcher
	Beacon leave.Beacon
	// Unload triggers the leave notification; nil disables it
	Unload leave.UnloadSource
	// Recoverer replaces in-place channel rebuild on staleness
	Recoverer health.Recoverer
	Clock     clockwork.Clock
	// OnMessage receives application events from the channel
	OnMessage func(channel.Message)
	// OnWarning is called when the remote side has been silent past the warning threshold
	OnWarning func(silence time.Duration)
}

// Session owns one participant's connection to one room
type Session struct {
	id     roomstate.Identity
	cfg    Config
	deps   Deps
	clock  clockwork.Clock
	store  *roomstate.Store
	sender *heartbeat.Sender
	mon    *health.Monitor
	leave  *leave.Handler
	logger zerolog.Logger

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wake       chan struct{}
	loopsDone  chan struct{}

	recoverMu sync.Mutex

	mu          sync.Mutex
	ch          channel.Channel
	gen         int
	started     bool
	ended       bool
	unsubscribe func()
}

// New validates cfg and deps and builds an idle session
func New(cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if deps.Channel == nil {
		return nil, errors.New("channel factory is required")
	}
	id, _ := cfg.Identity()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:    id,
		cfg:   cfg,
		deps:  deps,
		clock: deps.Clock,
		store: roomstate.New(),
		logger: log.With().
			Int64("room_id", id.RoomID).
			Str("user_id", id.UserID).
			Logger(),
		lifeCtx:    ctx,
		lifeCancel: cancel,
		wake:       make(chan struct{}, 1),
		loopsDone:  make(chan struct{}),
	}

	s.sender = heartbeat.NewSender(id, s.store, s, s.clock, cfg.Heartbeat)

	var recoverer health.Recoverer = health.RecovererFunc(func(context.Context) error {
		return s.Recover(s.lifeCtx)
	})
	if deps.Recoverer != nil {
		recoverer = deps.Recoverer
	}
	s.mon = health.NewMonitor(s.store, recoverer, s.clock, cfg.Health).WithLogger(s.logger)
	s.mon.OnWarning = deps.OnWarning

	s.leave = leave.NewHandler(id, cfg.LeaveEndpoint, deps.Beacon, s)
	return s, nil
}

// Identity returns the session's room identity
func (s *Session) Identity() roomstate.Identity { return s.id }

// Store exposes the session's room state
func (s *Session) Store() *roomstate.Store { return s.store }

// Health evaluates the inbound liveness signal now
func (s *Session) Health() health.Verdict {
	return s.mon.Evaluate(s.clock.Now())
}

// Start attaches the channel, registers the unload listener and joins the room
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.unsubscribe = s.store.Subscribe(func(roomstate.Snapshot) { s.signal() })
	s.mu.Unlock()

	go s.reconcile()

	if s.deps.Unload != nil {
		s.leave.Register(s.deps.Unload)
	}

	s.logger.Info().Msg("joining room")
	if err := s.attach(ctx); err != nil {
		return err
	}
	s.Dispatch(ctx, action.Join(s.id, s.cfg.Participant()))
	return nil
}

// attach builds a fresh channel and attaches it with a listener bound to its generation
func (s *Session) attach(ctx context.Context) error {
	ch, err := s.deps.Channel(s.id)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		ch.Close()
		return ErrSessionEnded
	}
	s.gen++
	s.ch = ch
	l := &listener{s: s, gen: s.gen}
	s.mu.Unlock()

	s.store.SetConnectionState(roomstate.StateConnecting)

	attachCtx, cancel := context.WithTimeout(ctx, s.cfg.AttachTimeout)
	defer cancel()
	if err := ch.Attach(attachCtx, l); err != nil {
		return fmt.Errorf("attach channel: %w", err)
	}
	return nil
}

// Recover tears down the channel and rebuilds it in place. Both liveness
// clocks restart at the recovery instant and the roster is rebuilt from the
// new channel's presence sync.
func (s *Session) Recover(ctx context.Context) error {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	old := s.ch
	s.ch = nil
	s.gen++
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close stale channel")
		}
	}

	now := s.clock.Now()
	s.store.ClearConnected()
	s.store.SetConnectionState(roomstate.StateClosed)
	s.store.ResetLiveness(now)
	s.store.ReplaceMembers(nil)

	s.logger.Info().Time("recovered_at", now).Msg("rebuilding room channel")
	return s.attach(ctx)
}

// Dispatch forwards a to the remote authority. Nothing is reported back.
func (s *Session) Dispatch(ctx context.Context, a action.Action) {
	if d := s.dispatcher(); d != nil {
		d.Dispatch(ctx, a)
		return
	}
	s.logger.Warn().Str("action", string(a.Verb)).Msg("no dispatcher available, dropping action")
}

func (s *Session) dispatcher() action.Dispatcher {
	if s.deps.Dispatcher != nil {
		return s.deps.Dispatcher
	}
	if d, ok := s.current().(action.Dispatcher); ok {
		return d
	}
	return nil
}

// Heartbeat sends one heartbeat through the configured heartbeater or the current channel
func (s *Session) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	if s.deps.Heartbeater != nil {
		return s.deps.Heartbeater.Heartbeat(ctx, id)
	}
	if hb, ok := s.current().(action.Heartbeater); ok {
		return hb.Heartbeat(ctx, id)
	}
	return ErrNoHeartbeat
}

func (s *Session) Vote(ctx context.Context, value string) {
	s.Dispatch(ctx, action.Vote(s.id, value))
}

func (s *Session) Reveal(ctx context.Context) {
	s.Dispatch(ctx, action.Reveal(s.id))
}

func (s *Session) Reset(ctx context.Context) {
	s.Dispatch(ctx, action.Reset(s.id))
}

// Leave tells the room this participant is going and ends the session
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return ErrSessionEnded
	}
	s.Dispatch(ctx, action.Leave(s.id))
	return s.End()
}

// End stops every loop, removes the unload listener and closes the channel.
// When End returns no heartbeat or recovery can fire. Safe to call twice.
func (s *Session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	started := s.started
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	s.leave.Unregister()
	s.lifeCancel()
	if started {
		<-s.loopsDone
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	s.recoverMu.Lock()
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.gen++
	s.mu.Unlock()
	s.recoverMu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	s.store.ClearConnected()
	s.store.SetConnectionState(roomstate.StateClosed)
	s.logger.Info().Msg("room session ended")
	return err
}

func (s *Session) current() channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startLoop(parent context.Context, run func(context.Context)) *loop {
	ctx, cancel := context.WithCancel(parent)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		run(ctx)
	}()
	return l
}

// stop cancels the loop and waits for it to return
func (l *loop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// reconcile keeps the heartbeat running while connectedAt is set and the
// health monitor running while the channel is open
func (s *Session) reconcile() {
	var hb, mon *loop
	defer func() {
		hb.stop()
		mon.stop()
		close(s.loopsDone)
	}()

	for {
		snap := s.store.Snapshot()

		connected := snap.ConnectedAt != nil
		switch {
		case connected && hb == nil:
			hb = startLoop(s.lifeCtx, s.sender.Run)
		case !connected && hb != nil:
			hb.stop()
			hb = nil
		}

		open := snap.ConnectionState == roomstate.StateOpen
		switch {
		case open && mon == nil:
			mon = startLoop(s.lifeCtx, s.mon.Run)
		case !open && mon != nil:
			mon.stop()
			mon = nil
		}

		select {
		case <-s.lifeCtx.Done():
			return
		case <-s.wake:
		}
	}
}

// listener feeds adapter events for one channel generation into the store
type listener struct {
	s   *Session
	gen int
}

func (l *listener) live() bool {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return !l.s.ended && l.s.gen == l.gen
}

func (l *listener) OnState(state roomstate.ConnectionState) {
	if !l.live() {
		return
	}
	store := l.s.store
	switch state {
	case roomstate.StateOpen:
		if _, ok := store.ConnectedAt(); !ok {
			now := l.s.clock.Now()
			store.MarkConnected(now)
			store.ResetLiveness(now)
		}
	case roomstate.StateClosed:
		store.ClearConnected()
	}
	store.SetConnectionState(state)
	l.s.logger.Debug().Str("state", string(state)).Msg("channel state changed")
}

func (l *listener) OnPong(at time.Time) {
	if l.live() {
		l.s.store.MarkPong(at)
	}
}

func (l *listener) OnPresence(m roomstate.Member, present bool) {
	if l.live() {
		l.s.store.ApplyPresence(m, present)
	}
}

func (l *listener) OnPresenceSync(members []roomstate.Member) {
	if l.live() {
		l.s.store.ReplaceMembers(members)
	}
}

func (l *listener) OnMessage(msg channel.Message) {
	if l.live() && l.s.deps.OnMessage != nil {
		l.s.deps.OnMessage(msg)
	}
}
