package ws

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"bustrack/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 20 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 16
)

// Session is the server-side state of one live connection. Identity is set
// exactly once at handshake time and is immutable afterward.
type Session struct {
	ID            string
	UserID        string
	UserName      string
	Role          string
	SelectedRoute string

	conn    *websocket.Conn
	send    chan Event
	limiter *rate.Limiter
	gw      *Gateway

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(gw *Gateway, conn *websocket.Conn, userID, userName, role, selectedRoute string) *Session {
	return &Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		UserName:      userName,
		Role:          role,
		SelectedRoute: selectedRoute,
		conn:          conn,
		send:          make(chan Event, sendBuffer),
		limiter:       rate.NewLimiter(rate.Limit(gw.rateRPS), gw.rateBurst),
		gw:            gw,
		done:          make(chan struct{}),
	}
}

// queue enqueues an outbound event without blocking the caller. A full buffer
// drops the event: live delivery is best-effort.
func (s *Session) queue(evt Event) {
	select {
	case s.send <- evt:
	case <-s.done:
	default:
		metrics.BroadcastDrops.Inc()
		log.Printf("ws: dropping %s for conn %s (slow consumer)", evt.Event, s.ID)
	}
}

func (s *Session) emitError(msg string) {
	s.queue(Event{Event: EvtSocketError, Data: socketError{Error: msg}})
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump reads and dispatches inbound commands until the connection drops.
// Commands from one connection are handled to completion in arrival order.
func (s *Session) readPump() {
	defer func() {
		s.gw.disconnect(s)
		s.close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: conn %s read error: %v", s.ID, err)
			}
			return
		}
		if !s.limiter.Allow() {
			s.emitError("Too many messages")
			continue
		}
		s.gw.dispatch(s, data)
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. Single writer per connection, so per-channel delivery
// order follows queue order.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case evt := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
