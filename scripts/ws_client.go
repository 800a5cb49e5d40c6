// Package main runs a demo WebSocket client: it connects with a dev token,
// subscribes to a route channel, and prints every event it receives.
package main

import (
	"encoding/json"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	token := os.Getenv("WS_TOKEN")
	if token == "" {
		// dev-mode token: userId:role
		token = "demo-user:student"
	}
	routeID := os.Getenv("ROUTE_ID")

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()
	log.Printf("connected to %s", u.String())

	if routeID != "" {
		if err := c.WriteJSON(envelope{Event: "subscribeToRoute", Data: routeID}); err != nil {
			log.Fatal(err)
		}
		log.Printf("subscribing to route %s", routeID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg json.RawMessage
			if err := c.ReadJSON(&msg); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("recv: %s", msg)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-done:
	case <-interrupt:
		log.Println("closing")
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
