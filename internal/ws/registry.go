package ws

import "sync"

// Registry tracks which users are present on which route channels. It is the
// only shared mutable structure in the gateway and is owned exclusively by
// this package; all mutation happens under one mutex.
//
// Membership is per-user (presence counting), but broadcast targets are the
// live sessions joined to a channel — a user with several tabs open gets the
// event on each of them.
type Registry struct {
	mu       sync.Mutex
	members  map[string]map[string]struct{}  // routeId -> set of userIds
	sessions map[string]map[*Session]struct{} // routeId -> live sessions
	conns    map[string]connInfo             // connectionId -> (userId, routeId)
}

type connInfo struct {
	userID  string
	routeID string
	sess    *Session
}

func NewRegistry() *Registry {
	return &Registry{
		members:  map[string]map[string]struct{}{},
		sessions: map[string]map[*Session]struct{}{},
		conns:    map[string]connInfo{},
	}
}

// Join registers s on routeID's channel. Joining the channel the session is
// already on is a no-op reported as already=true. Joining a different channel
// replaces the previous membership: one route channel per connection.
func (r *Registry) Join(routeID string, s *Session) (already bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.conns[s.ID]; ok {
		if info.routeID == routeID {
			return true
		}
		r.removeLocked(s.ID, info)
	}
	if r.members[routeID] == nil {
		r.members[routeID] = map[string]struct{}{}
	}
	r.members[routeID][s.UserID] = struct{}{}
	if r.sessions[routeID] == nil {
		r.sessions[routeID] = map[*Session]struct{}{}
	}
	r.sessions[routeID][s] = struct{}{}
	r.conns[s.ID] = connInfo{userID: s.UserID, routeID: routeID, sess: s}
	return false
}

// Leave drops the connection's membership, pruning the route entry when its
// last member leaves. Reports the route left, if any.
func (r *Registry) Leave(s *Session) (routeID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, found := r.conns[s.ID]
	if !found {
		return "", false
	}
	r.removeLocked(s.ID, info)
	return info.routeID, true
}

func (r *Registry) removeLocked(connID string, info connInfo) {
	if set := r.members[info.routeID]; set != nil {
		delete(set, info.userID)
		if len(set) == 0 {
			delete(r.members, info.routeID)
		}
	}
	if set := r.sessions[info.routeID]; set != nil {
		delete(set, info.sess)
		if len(set) == 0 {
			delete(r.sessions, info.routeID)
		}
	}
	delete(r.conns, connID)
}

// MembersOf returns the user ids currently present on a route channel.
func (r *Registry) MembersOf(routeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members[routeID]))
	for id := range r.members[routeID] {
		out = append(out, id)
	}
	return out
}

// CountsByRoute returns member counts for every active channel.
func (r *Registry) CountsByRoute() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.members))
	for rid, set := range r.members {
		out[rid] = len(set)
	}
	return out
}

// sessionsOf snapshots the live sessions on a channel for fan-out.
func (r *Registry) sessionsOf(routeID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions[routeID]))
	for s := range r.sessions[routeID] {
		out = append(out, s)
	}
	return out
}
