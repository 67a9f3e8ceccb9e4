package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Presence mirrors room occupancy into redis with a TTL, as a
// best-effort directory for dashboards and multi-instance visibility.
// It carries no membership authority: the in-process registry remains
// the only sequencer, and a relay restart still loses all rooms.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewPresence(addr, password string, db int, ttl time.Duration, logger *zap.SugaredLogger) *Presence {
	return &Presence{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:    ttl,
		logger: logger,
	}
}

func roomKey(roomID string) string {
	return fmt.Sprintf("duocall:room:%s", roomID)
}

// Touch records the current size of a room. Failures are logged and
// dropped: presence must never affect relaying.
func (p *Presence) Touch(ctx context.Context, roomID string, size int) {
	if p == nil {
		return
	}
	if size <= 0 {
		p.Forget(ctx, roomID)
		return
	}
	if err := p.client.Set(ctx, roomKey(roomID), size, p.ttl).Err(); err != nil {
		p.logger.Warnw("presence touch failed", "room", roomID, "error", err)
	}
}

// Forget drops a room from the directory.
func (p *Presence) Forget(ctx context.Context, roomID string) {
	if p == nil {
		return
	}
	if err := p.client.Del(ctx, roomKey(roomID)).Err(); err != nil {
		p.logger.Warnw("presence forget failed", "room", roomID, "error", err)
	}
}

// ActiveRooms lists room ids currently known to the directory.
func (p *Presence) ActiveRooms(ctx context.Context) ([]string, error) {
	if p == nil {
		return nil, nil
	}
	keys, err := p.client.Keys(ctx, roomKey("*")).Result()
	if err != nil {
		return nil, err
	}
	prefix := len(roomKey(""))
	rooms := make([]string, 0, len(keys))
	for _, k := range keys {
		rooms = append(rooms, k[prefix:])
	}
	return rooms, nil
}

// Ping verifies the redis connection, for health checks.
func (p *Presence) Ping(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (p *Presence) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
