package notify

import (
	"context"
	"errors"
	"testing"

	"bustrack/internal/model"
	"bustrack/internal/store"
	"bustrack/internal/ws"
)

// captureBroadcaster records broadcasts instead of delivering them.
type captureBroadcaster struct {
	calls []struct {
		routes []string
		evt    ws.Event
	}
}

func (c *captureBroadcaster) Broadcast(routeIDs []string, evt ws.Event) {
	c.calls = append(c.calls, struct {
		routes []string
		evt    ws.Event
	}{routeIDs, evt})
}

func seed(t *testing.T, mem *store.Memory) (r1, r2 model.Route) {
	t.Helper()
	ctx := context.Background()
	bus, _ := mem.CreateBus(ctx, model.Bus{BusNumber: "7"})
	r1, _ = mem.CreateRoute(ctx, model.Route{RouteName: "AM", AssignedBus: bus.ID})
	r2, _ = mem.CreateRoute(ctx, model.Route{RouteName: "PM"})
	mem.CreateUser(ctx, model.User{ID: "u1", Role: "student", SelectedRoute: r1.ID})
	mem.CreateUser(ctx, model.User{ID: "u2", Role: "student", SelectedRoute: r1.ID, AssignedBus: "bus-x"})
	mem.CreateUser(ctx, model.User{ID: "u3", Role: "student", SelectedRoute: r2.ID})
	mem.CreateUser(ctx, model.User{ID: "u4", Role: "student"}) // no route, never targeted
	return r1, r2
}

func TestFanOutAll(t *testing.T) {
	mem := store.NewMemory()
	r1, r2 := seed(t, mem)
	bc := &captureBroadcaster{}
	svc := NewService(mem, bc, nil)

	res, err := svc.FanOut(context.Background(), model.User{ID: "adm1"}, model.SendRequest{
		TargetType: "all", Title: "Snow day", Message: "No service tomorrow",
	})
	if err != nil {
		t.Fatalf("fanout: %v", err)
	}
	if !res.Success || res.TotalUsers != 3 || res.DBCopiesCreated != 3 {
		t.Fatalf("result wrong: %+v", res)
	}
	if res.GlobalNotificationID == "" {
		t.Fatal("missing global notification id")
	}

	// each targeted user has exactly one inbox row
	for _, uid := range []string{"u1", "u2", "u3"} {
		items, _ := mem.ListUserNotifications(context.Background(), uid, "")
		if len(items) != 1 {
			t.Fatalf("user %s: expected 1 row, got %d", uid, len(items))
		}
		if items[0].SentBy != "adm1" || items[0].NotificationType != "general" || items[0].Priority != "medium" {
			t.Fatalf("user %s row wrong: %+v", uid, items[0])
		}
	}
	if items, _ := mem.ListUserNotifications(context.Background(), "u4", ""); len(items) != 0 {
		t.Fatal("routeless user must not receive a row")
	}

	// one broadcast per target route
	if len(bc.calls) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(bc.calls))
	}
	seen := map[string]bool{}
	for _, call := range bc.calls {
		if call.evt.Event != ws.EvtNotification {
			t.Fatalf("wrong event: %s", call.evt.Event)
		}
		ne := call.evt.Data.(ws.NotificationEvent)
		seen[ne.RelatedRoute] = true
		if ne.ID != res.GlobalNotificationID {
			t.Fatal("broadcast must carry the shared record id")
		}
	}
	if !seen[r1.ID] || !seen[r2.ID] {
		t.Fatalf("broadcasts missed a route: %v", seen)
	}
}

func TestFanOutSingleRoute(t *testing.T) {
	mem := store.NewMemory()
	r1, _ := seed(t, mem)
	svc := NewService(mem, &captureBroadcaster{}, nil)

	res, err := svc.FanOut(context.Background(), model.User{ID: "adm1"}, model.SendRequest{
		TargetType: "route", RelatedRoute: r1.ID, Title: "t", Message: "m",
	})
	if err != nil {
		t.Fatalf("fanout: %v", err)
	}
	if res.TotalUsers != 2 {
		t.Fatalf("expected 2 recipients, got %d", res.TotalUsers)
	}

	// the record's bus falls back to the route's assigned bus; a user's own
	// assignment wins
	rows, _ := mem.ListUserNotifications(context.Background(), "u2", "")
	if rows[0].RelatedBus != "bus-x" {
		t.Fatalf("user assignment should win: %+v", rows[0])
	}
	rows, _ = mem.ListUserNotifications(context.Background(), "u1", "")
	if rows[0].RelatedBus == "" {
		t.Fatalf("expected route's bus as fallback: %+v", rows[0])
	}
}

func TestFanOutValidation(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	svc := NewService(mem, nil, nil)
	ctx := context.Background()

	if _, err := svc.FanOut(ctx, model.User{ID: "adm1"}, model.SendRequest{Title: "t"}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
	if _, err := svc.FanOut(ctx, model.User{ID: "adm1"}, model.SendRequest{TargetType: "galaxy", Title: "t", Message: "m"}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if _, err := svc.FanOut(ctx, model.User{ID: "adm1"}, model.SendRequest{TargetType: "route", RelatedRoute: "nope", Title: "t", Message: "m"}); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
	if _, err := svc.FanOut(ctx, model.User{ID: "adm1"}, model.SendRequest{TargetType: "bus", RelatedBus: "nope", Title: "t", Message: "m"}); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
}

func TestFanOutNoRecipients(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	r, _ := mem.CreateRoute(ctx, model.Route{RouteName: "Empty"})
	svc := NewService(mem, nil, nil)
	if _, err := svc.FanOut(ctx, model.User{ID: "adm1"}, model.SendRequest{
		TargetType: "route", RelatedRoute: r.ID, Title: "t", Message: "m",
	}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	// nothing persisted on a failed fan-out
	if n, _ := mem.DeleteUserNotifications(ctx, "adm1"); n != 0 {
		t.Fatal("unexpected rows written")
	}
}
