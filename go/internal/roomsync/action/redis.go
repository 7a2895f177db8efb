package action

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
)

// DefaultLeaseTTL outlives a few missed heartbeats before the member lapses
const DefaultLeaseTTL = 45 * time.Second

// LeaseWriter is the subset of the redis client used for presence leases
type LeaseWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// LeaseKey is the redis key holding a member's presence lease
func LeaseKey(id roomstate.Identity) string {
	return fmt.Sprintf("room:%d:member:%s", id.RoomID, id.UserID)
}

// RedisHeartbeater confirms liveness by refreshing a TTL lease in redis
type RedisHeartbeater struct {
	rdb   LeaseWriter
	ttl   time.Duration
	clock clockwork.Clock
}

func NewRedisHeartbeater(rdb LeaseWriter, ttl time.Duration, clock clockwork.Clock) *RedisHeartbeater {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisHeartbeater{rdb: rdb, ttl: ttl, clock: clock}
}

func (h *RedisHeartbeater) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	if err := h.rdb.Set(ctx, LeaseKey(id), h.clock.Now().UnixMilli(), h.ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return nil
}
