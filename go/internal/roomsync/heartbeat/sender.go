package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Clock is the part of clockwork.Clock the sender needs.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// Config holds heartbeat timing
type Config struct {
	// Tick is how often the gate is evaluated
	Tick time.Duration `yaml:"tick"`
	// MinGap is the minimum time between two outbound heartbeats
	MinGap time.Duration `yaml:"min_gap"`
	// Timeout bounds a single heartbeat request
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the reference cadence
func DefaultConfig() Config {
	return Config{
		Tick:    1 * time.Second,
		MinGap:  12 * time.Second,
		Timeout: 10 * time.Second,
	}
}

// Due reports whether an outbound heartbeat may be sent at now, given the
// instant the current window started. A zero since is always due.
func Due(now, since time.Time, minGap time.Duration) bool {
	if since.IsZero() {
		return true
	}
	return now.Sub(since) >= minGap
}

// Sender asserts local-participant liveness to the remote authority
type Sender struct {
	id     roomstate.Identity
	store  *roomstate.Store
	rpc    action.Heartbeater
	clock  Clock
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	inFlight    bool
	lastSuccess time.Time
	lastFailure time.Time
	wg          sync.WaitGroup
}

// NewSender creates a heartbeat sender for id
func NewSender(id roomstate.Identity, store *roomstate.Store, rpc action.Heartbeater, clock Clock, cfg Config) *Sender {
	return &Sender{
		id:    id,
		store: store,
		rpc:   rpc,
		clock: clock,
		cfg:   cfg,
		logger: log.With().
			Str("component", "heartbeat").
			Int64("room_id", id.RoomID).
			Str("user_id", id.UserID).
			Logger(),
	}
}

// Run ticks until ctx is cancelled. The first tick happens immediately and
// sends unless the previous activation sent within MinGap.
// When Run returns, no request started by it is still running.
func (s *Sender) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer func() {
		ticker.Stop()
		s.wg.Wait()
		s.logger.Debug().Msg("heartbeat stopped")
	}()

	s.logger.Debug().
		Dur("tick", s.cfg.Tick).
		Dur("min_gap", s.cfg.MinGap).
		Msg("heartbeat started")

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Tick evaluates the gate and starts a heartbeat in the background when it is
// open. It reports whether a request was started.
func (s *Sender) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	now := s.clock.Now()

	s.mu.Lock()
	if s.inFlight || !Due(now, s.windowStartLocked(), s.cfg.MinGap) {
		s.mu.Unlock()
		return false
	}
	s.inFlight = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.send(ctx, now)
	return true
}

// Wait blocks until the in-flight request, if any, has finished
func (s *Sender) Wait() {
	s.wg.Wait()
}

// windowStartLocked is the later of the last success and the last failed attempt
func (s *Sender) windowStartLocked() time.Time {
	if s.lastFailure.After(s.lastSuccess) {
		return s.lastFailure
	}
	return s.lastSuccess
}

func (s *Sender) send(ctx context.Context, startedAt time.Time) {
	defer s.wg.Done()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err := s.rpc.Heartbeat(reqCtx, s.id)
	cancel()

	s.mu.Lock()
	s.inFlight = false
	if err != nil {
		s.lastFailure = startedAt
	} else {
		s.lastSuccess = startedAt
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug().Err(err).Msg("heartbeat failed, will retry when the window reopens")
		return
	}

	s.store.MarkHeartbeat(startedAt)
	s.logger.Debug().Time("started_at", startedAt).Msg("heartbeat confirmed")
}
