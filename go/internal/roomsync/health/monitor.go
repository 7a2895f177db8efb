package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Clock is the part of clockwork.Clock the monitor needs
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// Verdict is the result of one staleness audit
type Verdict int

const (
	Healthy Verdict = iota
	Warning
	Stale
)

func (v Verdict) String() string {
	return [...]string{"healthy", "warning", "stale"}[v]
}

// Recoverer forces a full reconnection. After Recover returns, channel state,
// both liveness clocks and subscriptions must be fresh and consistent.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// RecovererFunc adapts a function to Recoverer
type RecovererFunc func(ctx context.Context) error

func (f RecovererFunc) Recover(ctx context.Context) error { return f(ctx) }

// Config holds audit timing
type Config struct {
	Interval   time.Duration `yaml:"interval"`
	WarnAfter  time.Duration `yaml:"warn_after"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the reference thresholds
func DefaultConfig() Config {
	return Config{
		Interval:   15 * time.Second,
		WarnAfter:  45 * time.Second,
		StaleAfter: 65 * time.Second,
		Cooldown:   30 * time.Second,
	}
}

// Monitor audits the inbound liveness signal while the channel reports open
type Monitor struct {
	store     *roomstate.Store
	recoverer Recoverer
	clock     Clock
	cfg       Config
	logger    zerolog.Logger

	// OnWarning, if set, is called from the audit goroutine whenever a check
	// lands in the warning band
	OnWarning func(silence time.Duration)

	mu           sync.Mutex
	lastRecovery time.Time
	recoveries   int
}

// NewMonitor creates a health monitor
func NewMonitor(store *roomstate.Store, recoverer Recoverer, clock Clock, cfg Config) *Monitor {
	return &Monitor{
		store:     store,
		recoverer: recoverer,
		clock:     clock,
		cfg:       cfg,
		logger:    log.With().Str("component", "health").Logger(),
	}
}

// WithLogger replaces the monitor's logger
func (m *Monitor) WithLogger(l zerolog.Logger) *Monitor {
	m.logger = l.With().Str("component", "health").Logger()
	return m
}

// Evaluate classifies the remote silence at now without side effects
func (m *Monitor) Evaluate(now time.Time) Verdict {
	lastPong := m.store.LastPongReceived()
	if lastPong.IsZero() {
		return Healthy
	}
	return classify(now.Sub(lastPong), m.cfg)
}

func classify(silence time.Duration, cfg Config) Verdict {
	switch {
	case silence >= cfg.StaleAfter:
		return Stale
	case silence >= cfg.WarnAfter:
		return Warning
	default:
		return Healthy
	}
}

// Recoveries returns how many forced reconnections this monitor has triggered
func (m *Monitor) Recoveries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveries
}

// Check runs one audit. Recovery runs synchronously on the caller's goroutine.
func (m *Monitor) Check(ctx context.Context) Verdict {
	if ctx.Err() != nil {
		return Healthy
	}
	snap := m.store.Snapshot()
	if snap.ConnectionState != roomstate.StateOpen {
		return Healthy
	}

	now := m.clock.Now()
	verdict := m.Evaluate(now)
	silence := snap.SincePong(now)

	switch verdict {
	case Warning:
		m.logger.Warn().
			Dur("silence", silence).
			Dur("stale_after", m.cfg.StaleAfter).
			Msg("no pong from remote side, connection may be stale")
		if m.OnWarning != nil {
			m.OnWarning(silence)
		}
	case Stale:
		m.forceReconnect(ctx, now, silence)
	}
	return verdict
}

func (m *Monitor) forceReconnect(ctx context.Context, now time.Time, silence time.Duration) {
	m.mu.Lock()
	if !m.lastRecovery.IsZero() && now.Sub(m.lastRecovery) < m.cfg.Cooldown {
		m.mu.Unlock()
		m.logger.Debug().
			Dur("silence", silence).
			Time("last_recovery", m.lastRecovery).
			Msg("connection stale but recovery is cooling down")
		return
	}
	m.lastRecovery = now
	m.recoveries++
	m.mu.Unlock()

	m.logger.Error().
		Dur("silence", silence).
		Msg("connection stale, forcing reconnection")

	if err := m.recoverer.Recover(ctx); err != nil {
		m.logger.Error().Err(err).Msg("forced reconnection failed")
	}
}

// Run audits every Interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Debug().Dur("interval", m.cfg.Interval).Msg("health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("health monitor stopped")
			return
		case <-ticker.Chan():
			m.Check(ctx)
		}
	}
}
