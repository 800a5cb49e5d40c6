package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bustrack/internal/auth"
	"bustrack/internal/model"
	"bustrack/internal/notify"
	"bustrack/internal/store"
	"bustrack/internal/webhooks"
	"bustrack/internal/ws"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	pub := webhooks.NewPublisher(mem)
	verifier := &auth.Verifier{Mode: "dev"}
	gw := ws.NewGateway(mem, verifier, pub)
	return &Server{
		Store:   mem,
		Pub:     pub,
		Auth:    verifier,
		Gateway: gw,
		Notify:  notify.NewService(mem, gw.Broadcaster, pub),
	}, mem
}

func asAdmin(r *http.Request) *http.Request {
	r.Header.Set("X-User-Id", "adm1")
	r.Header.Set("X-Role", "admin")
	return r
}

func asUser(r *http.Request, id string) *http.Request {
	r.Header.Set("X-User-Id", id)
	r.Header.Set("X-Role", "student")
	return r
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: %d", rr.Code)
	}
}

func TestSendNotificationHandler(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()
	route, _ := mem.CreateRoute(ctx, model.Route{RouteName: "North"})
	mem.CreateUser(ctx, model.User{ID: "u1", SelectedRoute: route.ID})
	mem.CreateUser(ctx, model.User{ID: "u2", SelectedRoute: route.ID})

	body, _ := json.Marshal(model.SendRequest{TargetType: "route", RelatedRoute: route.ID, Title: "t", Message: "m"})
	rr := httptest.NewRecorder()
	s.SendNotificationHandler(rr, asAdmin(httptest.NewRequest(http.MethodPost, "/notifications/admin/send", bytes.NewReader(body))))
	if rr.Code != http.StatusCreated {
		t.Fatalf("send: %d %s", rr.Code, rr.Body.String())
	}
	var res model.SendResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.TotalUsers != 2 || res.DBCopiesCreated != 2 || res.GlobalNotificationID == "" {
		t.Fatalf("result wrong: %+v", res)
	}
}

func TestSendNotificationHandlerRBAC(t *testing.T) {
	s, _ := newTestServer(t)
	body := bytes.NewReader([]byte(`{"title":"t","message":"m"}`))
	rr := httptest.NewRecorder()
	s.SendNotificationHandler(rr, asUser(httptest.NewRequest(http.MethodPost, "/notifications/admin/send", body), "u1"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.SendNotificationHandler(rr, httptest.NewRequest(http.MethodPost, "/notifications/admin/send", bytes.NewReader([]byte(`{}`))))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}
}

func TestSendNotificationHandlerErrors(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()
	empty, _ := mem.CreateRoute(ctx, model.Route{RouteName: "Empty"})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing fields", `{"targetType":"all"}`, 400},
		{"bad target", `{"targetType":"galaxy","title":"t","message":"m"}`, 400},
		{"unknown route", `{"targetType":"route","relatedRoute":"nope","title":"t","message":"m"}`, 404},
		{"no recipients", `{"targetType":"route","relatedRoute":"` + empty.ID + `","title":"t","message":"m"}`, 404},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			s.SendNotificationHandler(rr, asAdmin(httptest.NewRequest(http.MethodPost, "/notifications/admin/send", bytes.NewReader([]byte(tc.body)))))
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestInboxAndReadFlow(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()
	mem.InsertUserNotifications(ctx, []model.UserNotification{
		{ID: "n1", UserID: "u1", Title: "a", Message: "m", RelatedRoute: "r1"},
		{ID: "n2", UserID: "u1", Title: "b", Message: "m", RelatedRoute: "r2"},
		{ID: "n3", UserID: "u2", Title: "c", Message: "m", RelatedRoute: "r1"},
	})

	// full inbox
	rr := httptest.NewRecorder()
	s.NotificationsHandler(rr, asUser(httptest.NewRequest(http.MethodGet, "/notifications", nil), "u1"))
	if rr.Code != 200 {
		t.Fatalf("inbox: %d", rr.Code)
	}
	var inbox struct {
		Items []model.UserNotification `json:"items"`
		Count int                      `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &inbox)
	if inbox.Count != 2 {
		t.Fatalf("expected 2 items, got %+v", inbox)
	}

	// route filter
	rr = httptest.NewRecorder()
	s.NotificationsHandler(rr, asUser(httptest.NewRequest(http.MethodGet, "/notifications?routeId=r1", nil), "u1"))
	json.Unmarshal(rr.Body.Bytes(), &inbox)
	if inbox.Count != 1 || inbox.Items[0].ID != "n1" {
		t.Fatalf("filter wrong: %+v", inbox)
	}

	// mark one read: consumes the row
	rr = httptest.NewRecorder()
	s.NotificationActionHandler(rr, asUser(httptest.NewRequest(http.MethodPost, "/notifications/n1/read", nil), "u1"))
	if rr.Code != 200 {
		t.Fatalf("read: %d %s", rr.Code, rr.Body.String())
	}
	if items, _ := mem.ListUserNotifications(ctx, "u1", ""); len(items) != 1 {
		t.Fatalf("row not consumed: %v", items)
	}

	// cannot consume someone else's row when the id is unknown everywhere
	rr = httptest.NewRecorder()
	s.NotificationActionHandler(rr, asUser(httptest.NewRequest(http.MethodPost, "/notifications/n3/read", nil), "u1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign row, got %d", rr.Code)
	}

	// read-all clears the rest
	rr = httptest.NewRecorder()
	s.NotificationActionHandler(rr, asUser(httptest.NewRequest(http.MethodPost, "/notifications/read-all", nil), "u1"))
	if rr.Code != 200 {
		t.Fatalf("read-all: %d", rr.Code)
	}
	var res struct {
		DeletedCount int `json:"deletedCount"`
	}
	json.Unmarshal(rr.Body.Bytes(), &res)
	if res.DeletedCount != 1 {
		t.Fatalf("expected deletedCount=1, got %+v", res)
	}
	// u2 untouched
	if items, _ := mem.ListUserNotifications(ctx, "u2", ""); len(items) != 1 {
		t.Fatal("read-all leaked across users")
	}
}

func TestMarkReadFallsBackToSharedRecord(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()
	n, _ := mem.CreateNotification(ctx, model.Notification{Title: "t", Message: "m", RelatedRoute: "r1", SentBy: "adm1"})

	rr := httptest.NewRecorder()
	s.NotificationActionHandler(rr, asUser(httptest.NewRequest(http.MethodPost, "/notifications/"+n.ID+"/read", nil), "u1"))
	if rr.Code != 200 {
		t.Fatalf("read: %d %s", rr.Code, rr.Body.String())
	}
	got, _ := mem.GetNotification(ctx, n.ID)
	if len(got.ReadBy) != 1 || got.ReadBy[0] != "u1" {
		t.Fatalf("readBy not recorded: %v", got.ReadBy)
	}
}

func TestTargetsHandler(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()
	r1, _ := mem.CreateRoute(ctx, model.Route{RouteName: "North"})
	mem.CreateRoute(ctx, model.Route{RouteName: "South"})
	mem.CreateUser(ctx, model.User{ID: "u1", SelectedRoute: r1.ID})
	mem.CreateUser(ctx, model.User{ID: "u2", SelectedRoute: r1.ID})

	rr := httptest.NewRecorder()
	s.TargetsHandler(rr, asAdmin(httptest.NewRequest(http.MethodGet, "/notifications/admin/targets", nil)))
	if rr.Code != 200 {
		t.Fatalf("targets: %d", rr.Code)
	}
	var res struct {
		Routes []struct {
			RouteID   string `json:"routeId"`
			UserCount int    `json:"userCount"`
		} `json:"routes"`
		TotalUsers int `json:"totalUsers"`
	}
	json.Unmarshal(rr.Body.Bytes(), &res)
	if len(res.Routes) != 2 || res.TotalUsers != 2 {
		t.Fatalf("targets wrong: %+v", res)
	}

	rr = httptest.NewRecorder()
	s.TargetsHandler(rr, asUser(httptest.NewRequest(http.MethodGet, "/notifications/admin/targets", nil), "u1"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"url":"https://example.com/hook","events":["notification.sent"],"secret":"s"}`)
	rr := httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asAdmin(httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(body))))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	var sub model.WebhookSubscription
	json.Unmarshal(rr.Body.Bytes(), &sub)
	if sub.ID == "" {
		t.Fatal("missing subscription id")
	}

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asAdmin(httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)))
	var list struct {
		Items []model.WebhookSubscription `json:"items"`
	}
	json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list.Items) != 1 {
		t.Fatalf("list wrong: %+v", list)
	}

	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, asAdmin(httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, asAdmin(httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rr.Code)
	}
}

func TestPresenceHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.PresenceHandler(rr, asAdmin(httptest.NewRequest(http.MethodGet, "/v1/admin/presence", nil)))
	if rr.Code != 200 {
		t.Fatalf("presence: %d", rr.Code)
	}
	var res struct {
		Routes     map[string]int `json:"routes"`
		TotalUsers int            `json:"totalUsers"`
	}
	json.Unmarshal(rr.Body.Bytes(), &res)
	if res.TotalUsers != 0 || len(res.Routes) != 0 {
		t.Fatalf("expected empty presence, got %+v", res)
	}
}
