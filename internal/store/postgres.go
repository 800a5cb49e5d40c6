package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bustrack/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Ping reports database reachability for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// MigrateDir applies every .sql file in dir in lexical order (dev helper; a
// real deployment would track applied versions).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Role == "" {
		u.Role = "student"
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO users (id, name, email, role, selected_route, assigned_bus) VALUES ($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Name, nullIfEmpty(u.Email), u.Role, nullIfEmpty(u.SelectedRoute), nullIfEmpty(u.AssignedBus))
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	var email, route, bus sql.NullString
	row := p.db.QueryRowContext(ctx, `SELECT id::text, name, email, role, selected_route::text, assigned_bus::text FROM users WHERE id=$1`, id)
	if err := row.Scan(&u.ID, &u.Name, &email, &u.Role, &route, &bus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, err
	}
	u.Email, u.SelectedRoute, u.AssignedBus = email.String, route.String, bus.String
	return u, nil
}

func (p *Postgres) UpdateUserSelectedRoute(ctx context.Context, userID, routeID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET selected_route=$1 WHERE id=$2`, nullIfEmpty(routeID), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListUsersByRoutes(ctx context.Context, routeIDs []string) ([]model.User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, email, role, selected_route::text, assigned_bus::text FROM users WHERE selected_route::text = ANY($1::text[]) ORDER BY id`, textArray(routeIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.User{}
	for rows.Next() {
		var u model.User
		var email, route, bus sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.Role, &route, &bus); err != nil {
			return nil, err
		}
		u.Email, u.SelectedRoute, u.AssignedBus = email.String, route.String, bus.String
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) CountUsersByRoute(ctx context.Context, routeID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE selected_route=$1`, routeID).Scan(&n)
	return n, err
}

func (p *Postgres) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO routes (id, route_name, stops, assigned_bus) VALUES ($1,$2,$3,$4)`,
		r.ID, r.RouteName, jsonStrings(r.Stops), nullIfEmpty(r.AssignedBus))
	if err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
	var r model.Route
	var bus sql.NullString
	var stops []byte
	row := p.db.QueryRowContext(ctx, `SELECT id::text, route_name, stops, assigned_bus::text FROM routes WHERE id=$1`, id)
	if err := row.Scan(&r.ID, &r.RouteName, &stops, &bus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	_ = json.Unmarshal(stops, &r.Stops)
	r.AssignedBus = bus.String
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context) ([]model.Route, error) {
	return p.queryRoutes(ctx, `SELECT id::text, route_name, stops, assigned_bus::text FROM routes ORDER BY id`)
}

func (p *Postgres) ListRoutesByBus(ctx context.Context, busID string) ([]model.Route, error) {
	return p.queryRoutes(ctx, `SELECT id::text, route_name, stops, assigned_bus::text FROM routes WHERE assigned_bus=$1 ORDER BY id`, busID)
}

func (p *Postgres) queryRoutes(ctx context.Context, q string, args ...any) ([]model.Route, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		var r model.Route
		var bus sql.NullString
		var stops []byte
		if err := rows.Scan(&r.ID, &r.RouteName, &stops, &bus); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(stops, &r.Stops)
		r.AssignedBus = bus.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateBus(ctx context.Context, b model.Bus) (model.Bus, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO buses (id, bus_number, driver, current_stop_index, last_updated) VALUES ($1,$2,$3,$4,$5)`,
		b.ID, b.BusNumber, nullIfEmpty(b.Driver), b.CurrentStopIndex, nullTime(b.LastUpdated))
	if err != nil {
		return model.Bus{}, err
	}
	return b, nil
}

func (p *Postgres) GetBus(ctx context.Context, id string) (model.Bus, error) {
	var b model.Bus
	var driver sql.NullString
	var updated sql.NullTime
	row := p.db.QueryRowContext(ctx, `SELECT id::text, bus_number, driver::text, current_stop_index, last_updated FROM buses WHERE id=$1`, id)
	if err := row.Scan(&b.ID, &b.BusNumber, &driver, &b.CurrentStopIndex, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, ErrNotFound
		}
		return b, err
	}
	b.Driver = driver.String
	if updated.Valid {
		b.LastUpdated = updated.Time
	}
	return b, nil
}

func (p *Postgres) UpdateBusStop(ctx context.Context, busID string, stopIndex int, ts time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE buses SET current_stop_index=$1, last_updated=$2 WHERE id=$3`, stopIndex, ts, busID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, title, message, notification_type, priority, related_route, related_bus, sent_by, read_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		n.ID, n.Title, n.Message, n.NotificationType, n.Priority, n.RelatedRoute, nullIfEmpty(n.RelatedBus), n.SentBy, jsonStrings(n.ReadBy), n.CreatedAt)
	if err != nil {
		return model.Notification{}, err
	}
	return n, nil
}

func (p *Postgres) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	var n model.Notification
	var bus sql.NullString
	var readBy []byte
	row := p.db.QueryRowContext(ctx, `SELECT id::text, title, message, notification_type, priority, related_route::text, related_bus::text, sent_by::text, read_by, created_at FROM notifications WHERE id=$1`, id)
	if err := row.Scan(&n.ID, &n.Title, &n.Message, &n.NotificationType, &n.Priority, &n.RelatedRoute, &bus, &n.SentBy, &readBy, &n.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return n, ErrNotFound
		}
		return n, err
	}
	_ = json.Unmarshal(readBy, &n.ReadBy)
	n.RelatedBus = bus.String
	return n, nil
}

func (p *Postgres) AddNotificationReadBy(ctx context.Context, id, userID string) error {
	// single-statement atomic append, no read-modify-write race
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read_by = read_by || to_jsonb($1::text) WHERE id=$2 AND NOT (read_by ? $1)`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// distinguish missing row from already-read
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *Postgres) InsertUserNotifications(ctx context.Context, rows []model.UserNotification) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	created := 0
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO user_notifications (id, user_id, title, message, related_route, related_bus, notification_type, priority, sent_by, is_read, read_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			r.ID, r.UserID, r.Title, r.Message, r.RelatedRoute, nullIfEmpty(r.RelatedBus), r.NotificationType, r.Priority, r.SentBy, r.IsRead, r.ReadAt, r.CreatedAt)
		if err != nil {
			return 0, err
		}
		created++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

func (p *Postgres) ListUserNotifications(ctx context.Context, userID, routeID string) ([]model.UserNotification, error) {
	q := `SELECT id::text, user_id::text, title, message, related_route::text, related_bus::text, notification_type, priority, sent_by::text, is_read, read_at, created_at
		FROM user_notifications WHERE user_id=$1`
	args := []any{userID}
	if routeID != "" {
		q += ` AND related_route=$2`
		args = append(args, routeID)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.UserNotification{}
	for rows.Next() {
		var r model.UserNotification
		var bus sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.Message, &r.RelatedRoute, &bus, &r.NotificationType, &r.Priority, &r.SentBy, &r.IsRead, &readAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.RelatedBus = bus.String
		if readAt.Valid {
			t := readAt.Time
			r.ReadAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteUserNotification(ctx context.Context, id, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM user_notifications WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteUserNotifications(ctx context.Context, userID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM user_notifications WHERE user_id=$1`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub model.WebhookSubscription) (model.WebhookSubscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		sub.ID, sub.URL, jsonStrings(sub.Events), nullIfEmpty(sub.Secret))
	if err != nil {
		return model.WebhookSubscription{}, err
	}
	return sub, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.WebhookSubscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM webhook_subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WebhookSubscription{}
	for rows.Next() {
		var s model.WebhookSubscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.WebhookSubscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM webhook_subscriptions WHERE events ? $1 OR events ? '*'`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WebhookSubscription{}
	for rows.Next() {
		var s model.WebhookSubscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`, id, subscriptionID, eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, subscription_id::text, event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status='pending' AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WebhookDelivery{}
	for rows.Next() {
		var d model.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, last_error=NULL, response_code=$1, latency_ms=$2, delivered_at=now() WHERE id=$3`,
			responseCode, latencyMs, id)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, last_error=$1, response_code=$2, latency_ms=$3, next_attempt_at=$4 WHERE id=$5`,
		nullIfEmpty(lastError), responseCode, latencyMs, nextAttemptAt, id)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id, lastError string, responseCode, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', attempts=attempts+1, last_error=$1, response_code=$2, latency_ms=$3 WHERE id=$4`,
		nullIfEmpty(lastError), responseCode, latencyMs, id)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, subscription_id::text, event_type, status, attempts, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0) FROM webhook_deliveries`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1 ORDER BY next_attempt_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		q += ` ORDER BY next_attempt_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, subID, et, st, lastErr string
		var attempts, code, latency int
		if err := rows.Scan(&id, &subID, &et, &st, &attempts, &lastErr, &code, &latency); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"id": id, "subscriptionId": subID, "eventType": et, "status": st,
			"attempts": attempts, "lastError": lastErr, "responseCode": code, "latencyMs": latency,
		})
	}
	return out, rows.Err()
}

// Helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// jsonStrings encodes a string slice for a jsonb column ([] when empty).
func jsonStrings(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

// textArray renders a Postgres text[] literal for ::text[] casts. Values are
// uuid/object ids, so no quoting is needed.
func textArray(v []string) string {
	return "{" + strings.Join(v, ",") + "}"
}
