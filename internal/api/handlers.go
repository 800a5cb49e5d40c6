package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bustrack/internal/model"
	"bustrack/internal/notify"
	"bustrack/internal/store"
)

// SendNotificationHandler handles POST /notifications/admin/send: the durable
// fan-out. One shared record, one inbox row per recipient, then a live
// broadcast to each resolved route channel.
func (s *Server) SendNotificationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "authentication required", r.URL.Path)
		return
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	var req model.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Notify.FanOut(r.Context(), model.User{ID: p.UserID, Role: p.Role}, req)
	if err != nil {
		switch {
		case errors.Is(err, notify.ErrMissingFields), errors.Is(err, notify.ErrInvalidTarget):
			writeProblem(w, http.StatusBadRequest, "Invalid send request", err.Error(), r.URL.Path)
		case errors.Is(err, notify.ErrNoTargets), errors.Is(err, notify.ErrNoRecipients):
			writeProblem(w, http.StatusNotFound, "No recipients", err.Error(), r.URL.Path)
		default:
			writeProblem(w, http.StatusInternalServerError, "Send failed", err.Error(), r.URL.Path)
		}
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// TargetsHandler handles GET /notifications/admin/targets: the audience
// preview an admin sees before sending (routes with their member counts).
func (s *Server) TargetsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	routes, err := s.Store.ListRoutes(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List routes failed", err.Error(), r.URL.Path)
		return
	}
	total := 0
	items := make([]map[string]any, 0, len(routes))
	for _, rt := range routes {
		n, err := s.Store.CountUsersByRoute(r.Context(), rt.ID)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Count users failed", err.Error(), r.URL.Path)
			return
		}
		total += n
		items = append(items, map[string]any{
			"routeId":   rt.ID,
			"routeName": rt.RouteName,
			"userCount": n,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": items, "totalUsers": total})
}

// NotificationsHandler handles GET /notifications: the caller's unread inbox,
// optionally filtered by route.
func (s *Server) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "authentication required", r.URL.Path)
		return
	}
	items, err := s.Store.ListUserNotifications(r.Context(), p.UserID, r.URL.Query().Get("routeId"))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List notifications failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// NotificationActionHandler handles POST /notifications/read-all and
// POST /notifications/{id}/read. Marking read consumes the caller's inbox
// row; when none exists the caller is recorded on the shared record instead.
func (s *Server) NotificationActionHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "authentication required", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/notifications/")
	if rest == "read-all" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		n, err := s.Store.DeleteUserNotifications(r.Context(), p.UserID)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Read-all failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "deletedCount": n})
		return
	}
	id, ok := strings.CutSuffix(rest, "/read")
	if !ok || id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	err := s.Store.DeleteUserNotification(r.Context(), id, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		if _, gerr := s.Store.GetNotification(r.Context(), id); gerr != nil {
			writeProblem(w, http.StatusNotFound, "Notification not found", "", r.URL.Path)
			return
		}
		err = s.Store.AddNotificationReadBy(r.Context(), id, p.UserID)
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Mark read failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "notificationId": id})
}

// PresenceHandler handles GET /v1/admin/presence: live member counts per
// route channel, straight from the in-process registry.
func (s *Server) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	counts := s.Gateway.Registry.CountsByRoute()
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": counts, "totalUsers": total})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions (admin).
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var sub model.WebhookSubscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if sub.URL == "" || len(sub.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events are required", r.URL.Path)
			return
		}
		created, err := s.Store.CreateSubscription(r.Context(), sub)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		subs, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": subs})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id} (admin).
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Subscription not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries (admin).
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	status := r.URL.Query().Get("status")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, err := s.Store.ListWebhookDeliveries(r.Context(), status, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}
