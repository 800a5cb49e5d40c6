package ws

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"bustrack/internal/auth"
	"bustrack/internal/metrics"
	"bustrack/internal/store"
	"bustrack/internal/webhooks"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// Gateway owns the live-connection side of the system: handshake
// authentication, the membership registry, command dispatch, and broadcast.
// One instance is constructed at process start and shared with the HTTP
// layer (which calls Broadcaster from the admin send path).
type Gateway struct {
	Store       store.Store
	Auth        *auth.Verifier
	Registry    *Registry
	Broadcaster Broadcaster
	Pub         *webhooks.Publisher

	rateRPS   float64
	rateBurst int
}

// NewGateway wires the registry and picks a broadcaster: Redis relay when
// REDIS_URL is set, in-process otherwise.
func NewGateway(st store.Store, v *auth.Verifier, pub *webhooks.Publisher) *Gateway {
	g := &Gateway{Store: st, Auth: v, Pub: pub, Registry: NewRegistry(), rateRPS: 20, rateBurst: 40}
	if n, err := strconv.ParseFloat(os.Getenv("WS_RATE_RPS"), 64); err == nil && n > 0 {
		g.rateRPS = n
	}
	if n, err := strconv.Atoi(os.Getenv("WS_RATE_BURST")); err == nil && n > 0 {
		g.rateBurst = n
	}
	local := NewLocalBroadcaster(g.Registry)
	g.Broadcaster = local
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroadcaster(local); err == nil {
			g.Broadcaster = rb
		} else {
			log.Printf("ws: redis broadcaster unavailable, using local: %v", err)
		}
	}
	return g
}

// ServeHTTP handles GET /ws. The bearer token comes from the handshake
// (query param or Authorization header), never from a post-connect message;
// a connection that fails here never reaches the command router.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[len("Bearer "):])
		}
	}
	if token == "" {
		http.Error(w, "authentication error: token missing", http.StatusUnauthorized)
		return
	}
	claims, err := g.Auth.Verify(token)
	if err != nil {
		http.Error(w, "authentication error: invalid token", http.StatusUnauthorized)
		return
	}
	user, err := g.Store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		http.Error(w, "authentication error: user not found", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := newSession(g, conn, user.ID, user.Name, user.Role, user.SelectedRoute)
	metrics.WSConnectionsActive.Inc()
	log.Printf("ws: conn %s authenticated user=%s role=%s route=%s", s.ID, s.UserID, s.Role, s.SelectedRoute)

	// Auto-join the user's selected route so the common case needs no
	// subscribe round-trip. The route was validated when it was persisted.
	if s.SelectedRoute != "" {
		g.Registry.Join(s.SelectedRoute, s)
		log.Printf("ws: conn %s auto-joined route %s (%d members)", s.ID, s.SelectedRoute, len(g.Registry.MembersOf(s.SelectedRoute)))
	}

	go s.writePump()
	go s.readPump()
}

// disconnect releases a connection's membership. Always legal; no broadcast.
func (g *Gateway) disconnect(s *Session) {
	metrics.WSConnectionsActive.Dec()
	if routeID, ok := g.Registry.Leave(s); ok {
		log.Printf("ws: conn %s user=%s left route %s (%d members remain)", s.ID, s.UserID, routeID, len(g.Registry.MembersOf(routeID)))
	} else {
		log.Printf("ws: conn %s user=%s disconnected", s.ID, s.UserID)
	}
}
