//go:build postgres_integration

package store

import (
	"os"
	"testing"

	"bustrack/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}
	// simple round trip
	r, err := p.CreateRoute(t.Context(), model.Route{RouteName: "it-route", Stops: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}
	got, err := p.GetRoute(t.Context(), r.ID)
	if err != nil || len(got.Stops) != 2 {
		t.Fatalf("GetRoute: %+v err=%v", got, err)
	}
}
