package ws

import (
	"log"

	"bustrack/internal/metrics"
)

// Broadcaster delivers an event to every connection currently joined to any
// of the target route channels. Delivery is at-most-once and best-effort: no
// acknowledgment, no retry. Durable delivery is the fan-out service's job.
type Broadcaster interface {
	Broadcast(routeIDs []string, evt Event)
}

// LocalBroadcaster fans out over the in-process registry.
type LocalBroadcaster struct {
	reg *Registry
}

func NewLocalBroadcaster(reg *Registry) *LocalBroadcaster {
	return &LocalBroadcaster{reg: reg}
}

func (b *LocalBroadcaster) Broadcast(routeIDs []string, evt Event) {
	for _, rid := range routeIDs {
		b.deliver(rid, evt)
	}
}

// deliver pushes evt to every session on one channel. An empty channel is a
// logged warning, not a failure: durable delivery already happened upstream.
func (b *LocalBroadcaster) deliver(routeID string, evt Event) {
	sessions := b.reg.sessionsOf(routeID)
	if len(sessions) == 0 {
		log.Printf("broadcast: route %s has no live members for %s", routeID, evt.Event)
		return
	}
	for _, s := range sessions {
		s.queue(evt)
	}
	metrics.BroadcastEvents.WithLabelValues(evt.Event).Add(float64(len(sessions)))
}
