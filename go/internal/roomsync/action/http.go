package action

import (
	"context"
	"fmt"

	"github.com/mcdev12/planning-poker/go/clients"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
	"github.com/rs/zerolog/log"
)

const (
	ActionEndpoint    = "/action"
	HeartbeatEndpoint = "/heartbeat"
)

// HTTPDispatcher posts actions to the room API
type HTTPDispatcher struct {
	client *clients.BaseClient
}

func NewHTTPDispatcher(client *clients.BaseClient) *HTTPDispatcher {
	return &HTTPDispatcher{client: client}
}

// Dispatch posts the action and logs failures; nothing is returned to the caller
func (d *HTTPDispatcher) Dispatch(ctx context.Context, a Action) {
	if _, err := d.client.PostJSON(ctx, ActionEndpoint, a); err != nil {
		log.Warn().
			Err(err).
			Str("action", string(a.Verb)).
			Int64("room_id", a.RoomID).
			Str("user_id", a.UserID).
			Msg("failed to dispatch action")
	}
}

// HTTPHeartbeater confirms liveness with POST /heartbeat
type HTTPHeartbeater struct {
	client *clients.BaseClient
}

func NewHTTPHeartbeater(client *clients.BaseClient) *HTTPHeartbeater {
	return &HTTPHeartbeater{client: client}
}

func (h *HTTPHeartbeater) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	if _, err := h.client.PostJSON(ctx, HeartbeatEndpoint, id); err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return nil
}
