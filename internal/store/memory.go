package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bustrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	users     map[string]model.User
	routes    map[string]model.Route
	buses     map[string]model.Bus
	notifs    map[string]model.Notification
	userNotif map[string]model.UserNotification // id -> row
	subs      []model.WebhookSubscription
	// Webhooks queue state
	deliveries map[string]*memDelivery
	order      []string // delivery ids in enqueue order
}

func NewMemory() *Memory {
	return &Memory{
		users:      map[string]model.User{},
		routes:     map[string]model.Route{},
		buses:      map[string]model.Bus{},
		notifs:     map[string]model.Notification{},
		userNotif:  map[string]model.UserNotification{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics state.
type memDelivery struct {
	model.WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Role == "" {
		u.Role = "student"
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) UpdateUserSelectedRoute(ctx context.Context, userID, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.SelectedRoute = routeID
	m.users[userID] = u
	return nil
}

func (m *Memory) ListUsersByRoutes(ctx context.Context, routeIDs []string) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]struct{}{}
	for _, id := range routeIDs {
		want[id] = struct{}{}
	}
	out := []model.User{}
	for _, u := range m.users {
		if _, ok := want[u.SelectedRoute]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CountUsersByRoute(ctx context.Context, routeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.SelectedRoute == routeID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	m.routes[r.ID] = r
	return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRoutesByBus(ctx context.Context, busID string) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, r := range m.routes {
		if r.AssignedBus == busID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateBus(ctx context.Context, b model.Bus) (model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	m.buses[b.ID] = b
	return b, nil
}

func (m *Memory) GetBus(ctx context.Context, id string) (model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[id]
	if !ok {
		return model.Bus{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) UpdateBusStop(ctx context.Context, busID string, stopIndex int, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[busID]
	if !ok {
		return ErrNotFound
	}
	b.CurrentStopIndex = stopIndex
	b.LastUpdated = ts
	m.buses[busID] = b
	return nil
}

func (m *Memory) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.notifs[n.ID] = n
	return n, nil
}

func (m *Memory) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifs[id]
	if !ok {
		return model.Notification{}, ErrNotFound
	}
	return n, nil
}

func (m *Memory) AddNotificationReadBy(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifs[id]
	if !ok {
		return ErrNotFound
	}
	for _, r := range n.ReadBy {
		if r == userID {
			return nil
		}
	}
	n.ReadBy = append(n.ReadBy, userID)
	m.notifs[id] = n
	return nil
}

func (m *Memory) InsertUserNotifications(ctx context.Context, rows []model.UserNotification) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, row := range rows {
		if row.ID == "" {
			row.ID = uuid.New().String()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		m.userNotif[row.ID] = row
		created++
	}
	return created, nil
}

func (m *Memory) ListUserNotifications(ctx context.Context, userID, routeID string) ([]model.UserNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.UserNotification{}
	for _, row := range m.userNotif {
		if row.UserID != userID {
			continue
		}
		if routeID != "" && row.RelatedRoute != routeID {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteUserNotification(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.userNotif[id]
	if !ok || row.UserID != userID {
		return ErrNotFound
	}
	delete(m.userNotif, id)
	return nil
}

func (m *Memory) DeleteUserNotifications(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, row := range m.userNotif {
		if row.UserID == userID {
			delete(m.userNotif, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, sub model.WebhookSubscription) (model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.WebhookSubscription, len(m.subs))
	copy(out, m.subs)
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.ID == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookSubscription{}
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: model.WebhookDelivery{
			ID: id, SubscriptionID: subscriptionID, EventType: eventType,
			URL: url, Secret: secret, Payload: payload, Status: "pending",
		},
		NextAttemptAt: time.Now(),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []model.WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if d == nil || d.Status != "pending" || d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d.WebhookDelivery)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []map[string]any{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.deliveries[m.order[i]]
		if d == nil || (status != "" && d.Status != status) {
			continue
		}
		out = append(out, map[string]any{
			"id": d.ID, "subscriptionId": d.SubscriptionID, "eventType": d.EventType,
			"status": d.Status, "attempts": d.Attempts, "lastError": d.LastError,
			"responseCode": d.ResponseCode, "latencyMs": d.LatencyMs,
		})
	}
	return out, nil
}
