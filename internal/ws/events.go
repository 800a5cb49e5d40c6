package ws

import (
	"encoding/json"
	"time"
)

// Envelope is the wire frame for inbound commands: {"event": ..., "data": ...}.
// The event name selects the payload type; payloads are validated at the
// router boundary before dispatch.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound wire event.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Inbound command names (closed set).
const (
	evtSubscribeToRoute     = "subscribeToRoute"
	evtSendNotification     = "sendNotification"
	evtMarkNotificationRead = "markNotificationRead"
	evtDriverUpdateStop     = "driverUpdateStop"
	evtDriverTripCompleted  = "driverTripCompleted"
)

// Outbound event names (closed set).
const (
	EvtSubscriptionConfirmed  = "subscriptionConfirmed"
	EvtNotification           = "notification"
	EvtNotificationSent       = "notificationSent"
	EvtNotificationRead       = "notificationRead"
	EvtBusLocationUpdate      = "busLocationUpdate"
	EvtDriverUpdatesClear     = "driverUpdatesClear"
	EvtStopUpdateConfirmed    = "stopUpdateConfirmed"
	EvtTripCompletedConfirmed = "tripCompletedConfirmed"
	EvtSocketError            = "socketError"
)

// Inbound payloads.

type markReadPayload struct {
	NotificationID string `json:"notificationId"`
}

type driverStopPayload struct {
	BusID            string `json:"busId"`
	RouteID          string `json:"routeId"`
	CurrentStopIndex int    `json:"currentStopIndex"`
	StopName         string `json:"stopName"`
}

type tripCompletedPayload struct {
	BusID   string `json:"busId"`
	RouteID string `json:"routeId"`
}

// Outbound payloads.

// NotificationEvent is the live broadcast shape of a notification. It is
// also produced by the admin fan-out path.
type NotificationEvent struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	NotificationType string    `json:"notificationType"`
	Priority         string    `json:"priority"`
	SentBy           string    `json:"sentBy"`
	RelatedRoute     string    `json:"relatedRoute"`
	RelatedBus       string    `json:"relatedBus,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	IsRead           bool      `json:"isRead"`
}

type BusLocationUpdate struct {
	BusID            string    `json:"busId"`
	RouteID          string    `json:"routeId"`
	CurrentStopIndex int       `json:"currentStopIndex"`
	StopName         string    `json:"stopName"`
	BusNumber        string    `json:"busNumber"`
	DriverName       string    `json:"driverName"`
	Timestamp        time.Time `json:"timestamp"`
	Type             string    `json:"type"` // always "location_update"
}

type DriverUpdatesClear struct {
	RouteID string `json:"routeId"`
	BusID   string `json:"busId"`
}

type socketError struct {
	Error string `json:"error"`
}
