package ws

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroadcaster relays events over Redis Pub/Sub so several processes can
// share one broadcast stream. Membership stays per-process: each instance
// subscribes to every route channel and delivers locally to its own sessions.
type RedisBroadcaster struct {
	rdb   *redis.Client
	local *LocalBroadcaster
}

func NewRedisBroadcaster(local *LocalBroadcaster) (*RedisBroadcaster, error) {
	opt, err := redis.ParseURL(os.Getenv("REDIS_URL"))
	if err != nil {
		return nil, err
	}
	b := &RedisBroadcaster{rdb: redis.NewClient(opt), local: local}
	ps := b.rdb.PSubscribe(context.Background(), "route:*")
	go b.relay(ps)
	return b, nil
}

func (b *RedisBroadcaster) relay(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		routeID := strings.TrimPrefix(msg.Channel, "route:")
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			log.Printf("redis broadcast: bad payload on %s: %v", msg.Channel, err)
			continue
		}
		b.local.deliver(routeID, evt)
	}
}

func (b *RedisBroadcaster) Broadcast(routeIDs []string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	for _, rid := range routeIDs {
		if err := b.rdb.Publish(ctx, "route:"+rid, data).Err(); err != nil {
			log.Printf("redis broadcast: publish route %s: %v", rid, err)
		}
	}
}
