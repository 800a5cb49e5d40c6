package store

import (
	"context"
	"errors"
	"time"

	"bustrack/internal/model"
)

// Store is the persistence interface used by the socket gateway, the fan-out
// service, and the HTTP handlers.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	UpdateUserSelectedRoute(ctx context.Context, userID, routeID string) error
	ListUsersByRoutes(ctx context.Context, routeIDs []string) ([]model.User, error)
	CountUsersByRoute(ctx context.Context, routeID string) (int, error)

	// Routes
	CreateRoute(ctx context.Context, r model.Route) (model.Route, error)
	GetRoute(ctx context.Context, id string) (model.Route, error)
	ListRoutes(ctx context.Context) ([]model.Route, error)
	ListRoutesByBus(ctx context.Context, busID string) ([]model.Route, error)

	// Buses
	CreateBus(ctx context.Context, b model.Bus) (model.Bus, error)
	GetBus(ctx context.Context, id string) (model.Bus, error)
	UpdateBusStop(ctx context.Context, busID string, stopIndex int, ts time.Time) error

	// Notifications
	CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	AddNotificationReadBy(ctx context.Context, id, userID string) error
	InsertUserNotifications(ctx context.Context, rows []model.UserNotification) (int, error)
	ListUserNotifications(ctx context.Context, userID, routeID string) ([]model.UserNotification, error)
	DeleteUserNotification(ctx context.Context, id, userID string) error
	DeleteUserNotifications(ctx context.Context, userID string) (int, error)

	// Webhook deliveries
	CreateSubscription(ctx context.Context, sub model.WebhookSubscription) (model.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context) ([]model.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.WebhookSubscription, error)
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id, lastError string, responseCode, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error)
}

var ErrNotFound = errors.New("not found")
