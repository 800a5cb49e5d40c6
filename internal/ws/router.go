package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"bustrack/internal/metrics"
	"bustrack/internal/model"
	"bustrack/internal/store"
)

// clientError carries a message that is safe to surface to the caller as a
// socketError. Anything else maps to the command's generic failure message.
type clientError string

func (e clientError) Error() string { return string(e) }

// Generic failure text per command, for unexpected store/transport errors.
var genericFailure = map[string]string{
	evtSubscribeToRoute:     "Failed to subscribe to route",
	evtSendNotification:     "Failed to send notification",
	evtMarkNotificationRead: "Failed to mark notification as read",
	evtDriverUpdateStop:     "Failed to update bus stop",
	evtDriverTripCompleted:  "Failed to complete trip",
}

const commandTimeout = 10 * time.Second

// dispatch routes one inbound frame to its handler. Handler failures surface
// as a socketError to the originating connection only; nothing here ever
// closes the connection or leaks to other channel members.
func (g *Gateway) dispatch(s *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.emitError("Invalid message")
		return
	}
	if s.UserID == "" {
		// Unreachable for handshake-authenticated sessions, but a session
		// without identity must never execute a command.
		s.emitError("Not authenticated")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch env.Event {
	case evtSubscribeToRoute:
		err = g.handleSubscribe(ctx, s, env.Data)
	case evtSendNotification:
		err = g.handleSendNotification(ctx, s, env.Data)
	case evtMarkNotificationRead:
		err = g.handleMarkRead(ctx, s, env.Data)
	case evtDriverUpdateStop:
		err = g.handleDriverUpdateStop(ctx, s, env.Data)
	case evtDriverTripCompleted:
		err = g.handleTripCompleted(ctx, s, env.Data)
	default:
		s.emitError("Unknown event: " + env.Event)
		metrics.WSEvents.WithLabelValues(env.Event, "unknown").Inc()
		return
	}
	if err != nil {
		log.Printf("ws: %s failed conn=%s user=%s: %v", env.Event, s.ID, s.UserID, err)
		metrics.WSEvents.WithLabelValues(env.Event, "error").Inc()
		var ce clientError
		if errors.As(err, &ce) {
			s.emitError(ce.Error())
		} else {
			s.emitError(genericFailure[env.Event])
		}
		return
	}
	metrics.WSEvents.WithLabelValues(env.Event, "ok").Inc()
}

// handleSubscribe persists the user's route selection (so future connects
// auto-join) and joins the channel. Confirms to the caller only.
func (g *Gateway) handleSubscribe(ctx context.Context, s *Session, data json.RawMessage) error {
	var routeID string
	if err := json.Unmarshal(data, &routeID); err != nil {
		var obj struct {
			RouteID string `json:"routeId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil || obj.RouteID == "" {
			return clientError("Invalid route")
		}
		routeID = obj.RouteID
	}
	if routeID == "" {
		return clientError("Invalid route")
	}
	if _, err := g.Store.GetRoute(ctx, routeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return clientError("Route not found")
		}
		return err
	}
	if err := g.Store.UpdateUserSelectedRoute(ctx, s.UserID, routeID); err != nil {
		return err
	}
	already := g.Registry.Join(routeID, s)
	if already {
		log.Printf("ws: conn %s already on route %s", s.ID, routeID)
	} else {
		log.Printf("ws: user %s joined route %s (%d members)", s.UserID, routeID, len(g.Registry.MembersOf(routeID)))
	}
	s.queue(Event{Event: EvtSubscriptionConfirmed, Data: map[string]any{}})
	return nil
}

// handleSendNotification persists one shared record and broadcasts to the
// resolved route channels. No per-user rows here; that is the admin fan-out
// path's contract.
func (g *Gateway) handleSendNotification(ctx context.Context, s *Session, data json.RawMessage) error {
	var req model.SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return clientError("Invalid route or bus selection")
	}

	var targetRouteIDs []string
	targetBus := req.RelatedBus
	fallbackRoute := req.RelatedRoute
	switch {
	case req.RelatedRoute != "":
		route, err := g.Store.GetRoute(ctx, req.RelatedRoute)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return clientError("Route not found")
			}
			return err
		}
		targetRouteIDs = []string{req.RelatedRoute}
		if targetBus == "" {
			targetBus = route.AssignedBus
		}
	case req.RelatedBus != "":
		routes, err := g.Store.ListRoutesByBus(ctx, req.RelatedBus)
		if err != nil {
			return err
		}
		for _, r := range routes {
			targetRouteIDs = append(targetRouteIDs, r.ID)
		}
		if len(targetRouteIDs) > 0 {
			fallbackRoute = targetRouteIDs[0]
		}
	}
	if len(targetRouteIDs) == 0 || fallbackRoute == "" {
		return clientError("Invalid route or bus selection")
	}

	n, err := g.Store.CreateNotification(ctx, model.Notification{
		Title:            req.Title,
		Message:          req.Message,
		RelatedRoute:     fallbackRoute,
		RelatedBus:       targetBus,
		NotificationType: req.DefaultedType(),
		Priority:         req.DefaultedPriority(),
		SentBy:           s.UserID,
		ReadBy:           []string{},
	})
	if err != nil {
		return err
	}

	// Per-channel payload carries that channel's route id.
	for _, rid := range targetRouteIDs {
		g.Broadcaster.Broadcast([]string{rid}, Event{Event: EvtNotification, Data: NotificationEvent{
			ID:               n.ID,
			Title:            n.Title,
			Message:          n.Message,
			NotificationType: n.NotificationType,
			Priority:         n.Priority,
			SentBy:           s.UserID,
			RelatedRoute:     rid,
			RelatedBus:       targetBus,
			CreatedAt:        n.CreatedAt,
		}})
	}
	s.queue(Event{Event: EvtNotificationSent, Data: map[string]any{"success": true, "notificationId": n.ID}})
	return nil
}

// handleMarkRead consumes the caller's per-user row; when no row exists the
// caller is appended to the shared record's readBy set instead.
func (g *Gateway) handleMarkRead(ctx context.Context, s *Session, data json.RawMessage) error {
	var req markReadPayload
	if err := json.Unmarshal(data, &req); err != nil || req.NotificationID == "" {
		return clientError("Notification not found")
	}
	err := g.Store.DeleteUserNotification(ctx, req.NotificationID, s.UserID)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := g.Store.GetNotification(ctx, req.NotificationID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return clientError("Notification not found")
			}
			return err
		}
		err = g.Store.AddNotificationReadBy(ctx, req.NotificationID, s.UserID)
	}
	if err != nil {
		return err
	}
	s.queue(Event{Event: EvtNotificationRead, Data: markReadPayload{NotificationID: req.NotificationID}})
	return nil
}

// handleDriverUpdateStop: three distinct preconditions (driver exists, bus
// exists and is assigned to the caller, route matches the bus), then persist
// and broadcast to the route channel.
func (g *Gateway) handleDriverUpdateStop(ctx context.Context, s *Session, data json.RawMessage) error {
	var req driverStopPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return clientError("Failed to update bus stop")
	}

	driver, err := g.Store.GetUser(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return clientError("Driver not found")
		}
		return err
	}
	bus, err := g.Store.GetBus(ctx, req.BusID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return clientError("Bus not found")
		}
		return err
	}
	if bus.Driver == "" {
		return clientError("No driver assigned to this bus")
	}
	if bus.Driver != s.UserID {
		return clientError("This bus is assigned to a different driver")
	}

	routes, err := g.Store.ListRoutesByBus(ctx, req.BusID)
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		return clientError("No route assigned to this bus")
	}
	match := false
	for _, r := range routes {
		if r.ID == req.RouteID {
			match = true
			break
		}
	}
	if !match {
		return clientError("Route mismatch for this bus")
	}

	// The assignment may have changed while we looked up the route:
	// re-validate before mutating rather than trusting the earlier read.
	bus, err = g.Store.GetBus(ctx, req.BusID)
	if err != nil || bus.Driver != s.UserID {
		return clientError("This bus is assigned to a different driver")
	}

	ts := time.Now().UTC()
	if err := g.Store.UpdateBusStop(ctx, req.BusID, req.CurrentStopIndex, ts); err != nil {
		return err
	}
	log.Printf("ws: driver %s moved bus %s to stop %d (%s) on route %s", driver.Name, bus.BusNumber, req.CurrentStopIndex, req.StopName, req.RouteID)

	g.Broadcaster.Broadcast([]string{req.RouteID}, Event{Event: EvtBusLocationUpdate, Data: BusLocationUpdate{
		BusID:            req.BusID,
		RouteID:          req.RouteID,
		CurrentStopIndex: req.CurrentStopIndex,
		StopName:         req.StopName,
		BusNumber:        bus.BusNumber,
		DriverName:       driver.Name,
		Timestamp:        ts,
		Type:             "location_update",
	}})
	g.Pub.Emit(ctx, "bus.stop_updated", map[string]any{
		"busId": req.BusID, "routeId": req.RouteID, "currentStopIndex": req.CurrentStopIndex,
		"stopName": req.StopName, "driverId": s.UserID,
	})
	s.queue(Event{Event: EvtStopUpdateConfirmed, Data: map[string]any{
		"success": true, "stopIndex": req.CurrentStopIndex, "stopName": req.StopName,
	}})
	return nil
}

// handleTripCompleted tells the route channel to wipe its accumulated live
// updates. No bus mutation.
func (g *Gateway) handleTripCompleted(ctx context.Context, s *Session, data json.RawMessage) error {
	var req tripCompletedPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return clientError("Failed to complete trip")
	}
	if _, err := g.Store.GetUser(ctx, s.UserID); err != nil {
		return clientError("Not authorized to complete this trip")
	}
	bus, err := g.Store.GetBus(ctx, req.BusID)
	if err != nil || bus.Driver != s.UserID {
		return clientError("Not authorized to complete this trip")
	}

	g.Broadcaster.Broadcast([]string{req.RouteID}, Event{Event: EvtDriverUpdatesClear, Data: DriverUpdatesClear{
		RouteID: req.RouteID,
		BusID:   req.BusID,
	}})
	g.Pub.Emit(ctx, "trip.completed", map[string]any{
		"busId": req.BusID, "routeId": req.RouteID, "driverId": s.UserID,
	})
	s.queue(Event{Event: EvtTripCompletedConfirmed, Data: map[string]any{"success": true}})
	return nil
}
