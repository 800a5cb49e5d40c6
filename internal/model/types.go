package model

import "time"

// Core domain types. Routes, buses, and users are owned by the CRUD layer;
// the notification core only reads them (and mutates bus stop progress).

type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role"` // student, driver, admin
	SelectedRoute string `json:"selectedRoute,omitempty"`
	AssignedBus   string `json:"assignedBus,omitempty"`
}

type Route struct {
	ID          string   `json:"id"`
	RouteName   string   `json:"routeName"`
	Stops       []string `json:"stops,omitempty"`
	AssignedBus string   `json:"assignedBus,omitempty"`
}

type Bus struct {
	ID               string    `json:"id"`
	BusNumber        string    `json:"busNumber"`
	Driver           string    `json:"driver,omitempty"` // userId of assigned driver
	CurrentStopIndex int       `json:"currentStopIndex"`
	LastUpdated      time.Time `json:"lastUpdated,omitempty"`
}

// Notification is the shared broadcast record, created once per admin send
// regardless of how many routes or users were targeted.
type Notification struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	NotificationType string    `json:"notificationType"` // general, delay, cancellation, update
	Priority         string    `json:"priority"`         // low, medium, high, urgent
	RelatedRoute     string    `json:"relatedRoute"`
	RelatedBus       string    `json:"relatedBus,omitempty"`
	SentBy           string    `json:"sentBy"`
	ReadBy           []string  `json:"readBy,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UserNotification is a per-recipient inbox row. Rows are deleted, not
// flagged, when the owner marks them read; the inbox is a queue of unread
// items.
type UserNotification struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	Title            string     `json:"title"`
	Message          string     `json:"message"`
	RelatedRoute     string     `json:"relatedRoute"`
	RelatedBus       string     `json:"relatedBus,omitempty"`
	NotificationType string     `json:"notificationType"`
	Priority         string     `json:"priority"`
	SentBy           string     `json:"sentBy"`
	IsRead           bool       `json:"isRead"`
	ReadAt           *time.Time `json:"readAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// SendRequest is the admin fan-out command (HTTP) and, minus TargetType, the
// socket sendNotification payload.
type SendRequest struct {
	TargetType       string `json:"targetType,omitempty"` // all, route, bus
	RelatedRoute     string `json:"relatedRoute,omitempty"`
	RelatedBus       string `json:"relatedBus,omitempty"`
	Title            string `json:"title"`
	Message          string `json:"message"`
	NotificationType string `json:"notificationType,omitempty"`
	Priority         string `json:"priority,omitempty"`
}

// SendResult reports a completed fan-out back to the admin.
type SendResult struct {
	Success              bool   `json:"success"`
	TotalUsers           int    `json:"totalUsers"`
	GlobalNotificationID string `json:"globalNotificationId"`
	DBCopiesCreated      int    `json:"dbCopiesCreated"`
}

// DefaultedType returns the notification type, defaulting to general.
func (r SendRequest) DefaultedType() string {
	if r.NotificationType == "" {
		return "general"
	}
	return r.NotificationType
}

// DefaultedPriority returns the priority, defaulting to medium.
func (r SendRequest) DefaultedPriority() string {
	if r.Priority == "" {
		return "medium"
	}
	return r.Priority
}

// Webhook subscription and delivery state for outbound integrations.
type WebhookSubscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}
