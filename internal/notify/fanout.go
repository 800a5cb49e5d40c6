// Package notify implements the durable notification fan-out: one admin send
// becomes one shared broadcast record plus one inbox row per resolved
// recipient, followed by a best-effort live broadcast to the target route
// channels.
package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"bustrack/internal/metrics"
	"bustrack/internal/model"
	"bustrack/internal/store"
	"bustrack/internal/webhooks"
	"bustrack/internal/ws"
)

var (
	ErrMissingFields = errors.New("title and message are required")
	ErrInvalidTarget = errors.New("invalid target type")
	ErrNoTargets     = errors.New("no routes found for this selection")
	ErrNoRecipients  = errors.New("no users found for this route")
)

// Service performs the admin fan-out. Broadcaster may be nil in contexts with
// no live gateway (tests, batch tools); persistence still happens.
type Service struct {
	Store       store.Store
	Broadcaster ws.Broadcaster
	Pub         *webhooks.Publisher
}

func NewService(st store.Store, b ws.Broadcaster, pub *webhooks.Publisher) *Service {
	return &Service{Store: st, Broadcaster: b, Pub: pub}
}

// FanOut resolves the target audience, writes the durable inbox rows and the
// shared record, then broadcasts live. The durable writes decide success:
// broadcast and webhook emission never fail the operation.
func (s *Service) FanOut(ctx context.Context, sender model.User, req model.SendRequest) (model.SendResult, error) {
	if req.Title == "" || req.Message == "" {
		return model.SendResult{}, ErrMissingFields
	}

	routeIDs, targetBus, err := s.resolveTargets(ctx, req)
	if err != nil {
		return model.SendResult{}, err
	}
	if len(routeIDs) == 0 {
		return model.SendResult{}, ErrNoTargets
	}
	fallbackRoute := routeIDs[0]

	users, err := s.Store.ListUsersByRoutes(ctx, routeIDs)
	if err != nil {
		return model.SendResult{}, err
	}
	if len(users) == 0 {
		return model.SendResult{}, ErrNoRecipients
	}

	now := time.Now().UTC()
	rows := make([]model.UserNotification, 0, len(users))
	for _, u := range users {
		route := u.SelectedRoute
		if route == "" {
			route = fallbackRoute
		}
		bus := u.AssignedBus
		if bus == "" {
			bus = targetBus
		}
		rows = append(rows, model.UserNotification{
			UserID:           u.ID,
			Title:            req.Title,
			Message:          req.Message,
			RelatedRoute:     route,
			RelatedBus:       bus,
			NotificationType: req.DefaultedType(),
			Priority:         req.DefaultedPriority(),
			SentBy:           sender.ID,
			CreatedAt:        now,
		})
	}
	created, err := s.Store.InsertUserNotifications(ctx, rows)
	if err != nil {
		return model.SendResult{}, err
	}
	metrics.FanoutRecords.Add(float64(created))

	global, err := s.Store.CreateNotification(ctx, model.Notification{
		Title:            req.Title,
		Message:          req.Message,
		NotificationType: req.DefaultedType(),
		Priority:         req.DefaultedPriority(),
		RelatedRoute:     fallbackRoute,
		RelatedBus:       targetBus,
		SentBy:           sender.ID,
		ReadBy:           []string{},
		CreatedAt:        now,
	})
	if err != nil {
		return model.SendResult{}, err
	}

	if s.Broadcaster != nil {
		for _, rid := range routeIDs {
			s.Broadcaster.Broadcast([]string{rid}, ws.Event{Event: ws.EvtNotification, Data: ws.NotificationEvent{
				ID:               global.ID,
				Title:            global.Title,
				Message:          global.Message,
				NotificationType: global.NotificationType,
				Priority:         global.Priority,
				SentBy:           sender.ID,
				RelatedRoute:     rid,
				RelatedBus:       targetBus,
				CreatedAt:        global.CreatedAt,
			}})
		}
	}
	s.Pub.Emit(ctx, webhooks.EventNotificationSent, map[string]any{
		"notificationId": global.ID,
		"routeIds":       routeIDs,
		"totalUsers":     len(users),
		"sentBy":         sender.ID,
	})
	log.Printf("notify: %q fanned out to %d users across %d routes (global=%s)", req.Title, len(users), len(routeIDs), global.ID)

	return model.SendResult{
		Success:              true,
		TotalUsers:           len(users),
		GlobalNotificationID: global.ID,
		DBCopiesCreated:      created,
	}, nil
}

// resolveTargets maps the request's target selector to route ids and, where
// the selector implies one, a bus id to stamp on the records.
func (s *Service) resolveTargets(ctx context.Context, req model.SendRequest) ([]string, string, error) {
	target := req.TargetType
	if target == "" {
		switch {
		case req.RelatedRoute != "":
			target = "route"
		case req.RelatedBus != "":
			target = "bus"
		default:
			target = "all"
		}
	}
	switch target {
	case "all":
		routes, err := s.Store.ListRoutes(ctx)
		if err != nil {
			return nil, "", err
		}
		ids := make([]string, 0, len(routes))
		for _, r := range routes {
			ids = append(ids, r.ID)
		}
		return ids, req.RelatedBus, nil
	case "route":
		route, err := s.Store.GetRoute(ctx, req.RelatedRoute)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, "", ErrNoTargets
			}
			return nil, "", err
		}
		bus := req.RelatedBus
		if bus == "" {
			bus = route.AssignedBus
		}
		return []string{route.ID}, bus, nil
	case "bus":
		routes, err := s.Store.ListRoutesByBus(ctx, req.RelatedBus)
		if err != nil {
			return nil, "", err
		}
		ids := make([]string, 0, len(routes))
		for _, r := range routes {
			ids = append(ids, r.ID)
		}
		return ids, req.RelatedBus, nil
	default:
		return nil, "", ErrInvalidTarget
	}
}
