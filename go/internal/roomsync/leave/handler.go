package leave

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEndpoint is the dedicated leave route, separate from the action channel
const DefaultEndpoint = "/leave"

// UnloadSource notifies when the hosting process (or page) is going away
type UnloadSource interface {
	OnUnload(fn func()) (remove func())
}

// Beacon is a best-effort transport that survives teardown of its caller
type Beacon interface {
	// Available is checked on every unload, not once at construction
	Available() bool
	// SendBestEffort queues payload for endpoint and reports whether it was accepted
	SendBestEffort(endpoint string, payload []byte) bool
}

// Payload is the body of a leave beacon
type Payload struct {
	RoomID int64  `json:"roomId"`
	UserID string `json:"userId"`
}

// Handler guarantees a best-effort departure notification on unload
type Handler struct {
	id       roomstate.Identity
	endpoint string
	primary  Beacon
	fallback action.Dispatcher
	timeout  time.Duration
	logger   zerolog.Logger

	mu         sync.Mutex
	remove     func()
	registered bool
	ended      bool
	fired      bool
}

// NewHandler creates a leave handler. primary may be nil, in which case every
// unload goes through fallback.
func NewHandler(id roomstate.Identity, endpoint string, primary Beacon, fallback action.Dispatcher) *Handler {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Handler{
		id:       id,
		endpoint: endpoint,
		primary:  primary,
		fallback: fallback,
		timeout:  5 * time.Second,
		logger: log.With().
			Str("component", "leave").
			Int64("room_id", id.RoomID).
			Str("user_id", id.UserID).
			Logger(),
	}
}

// Register attaches the handler to src. Only the first call has an effect.
func (h *Handler) Register(src UnloadSource) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registered || h.ended {
		return false
	}
	h.registered = true
	h.remove = src.OnUnload(h.Fire)
	return true
}

// Unregister detaches from the unload source. After it returns the handler
// never sends a leave notification.
func (h *Handler) Unregister() {
	h.mu.Lock()
	remove := h.remove
	h.remove = nil
	h.ended = true
	h.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// Fired reports whether a leave notification was attempted
func (h *Handler) Fired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

// Fire sends the leave notification, at most once per handler
func (h *Handler) Fire() {
	h.mu.Lock()
	if h.fired || h.ended {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.mu.Unlock()

	if h.primary != nil && h.primary.Available() {
		payload, err := json.Marshal(Payload{RoomID: h.id.RoomID, UserID: h.id.UserID})
		if err == nil && h.primary.SendBestEffort(h.endpoint, payload) {
			h.logger.Info().Str("endpoint", h.endpoint).Msg("leave beacon queued")
			return
		}
		h.logger.Warn().Err(err).Msg("leave beacon rejected, using dispatcher")
	}

	if h.fallback == nil {
		h.logger.Warn().Msg("no leave transport available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	h.fallback.Dispatch(ctx, action.Leave(h.id))
	h.logger.Info().Msg("leave dispatched through action channel")
}
