package roomsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/health"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/heartbeat"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/leave"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
)

// Config holds configuration for a room session
type Config struct {
	RoomID        int64            `yaml:"room_id"`
	UserID        string           `yaml:"user_id"`
	Username      string           `yaml:"username"`
	Spectator     bool             `yaml:"spectator"`
	LeaveEndpoint string           `yaml:"leave_endpoint"`
	AttachTimeout time.Duration    `yaml:"attach_timeout"`
	Heartbeat     heartbeat.Config `yaml:"heartbeat"`
	Health        health.Config    `yaml:"health"`
}

// DefaultConfig returns default session configuration. Identity fields are left empty.
func DefaultConfig() Config {
	return Config{
		LeaveEndpoint: leave.DefaultEndpoint,
		AttachTimeout: 15 * time.Second,
		Heartbeat:     heartbeat.DefaultConfig(),
		Health:        health.DefaultConfig(),
	}
}

// Identity returns the validated room identity
func (c Config) Identity() (roomstate.Identity, error) {
	return roomstate.NewIdentity(c.RoomID, c.UserID)
}

// Participant returns the record forwarded with the join action
func (c Config) Participant() action.Participant {
	return action.Participant{Username: c.Username, Spectator: c.Spectator}
}

// Validate checks identity and timing
func (c Config) Validate() error {
	if _, err := c.Identity(); err != nil {
		return err
	}
	if c.AttachTimeout <= 0 {
		return errors.New("attach timeout must be positive")
	}

	hb := c.Heartbeat
	if hb.Tick <= 0 || hb.MinGap <= 0 || hb.Timeout <= 0 {
		return fmt.Errorf("heartbeat timings must be positive: tick=%s min_gap=%s timeout=%s", hb.Tick, hb.MinGap, hb.Timeout)
	}

	h := c.Health
	if h.Interval <= 0 || h.Cooldown < 0 {
		return fmt.Errorf("invalid health timings: interval=%s cooldown=%s", h.Interval, h.Cooldown)
	}
	if h.WarnAfter <= 0 || h.StaleAfter < h.WarnAfter {
		return fmt.Errorf("stale threshold %s must not be below warning threshold %s", h.StaleAfter, h.WarnAfter)
	}
	return nil
}
