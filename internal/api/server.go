package api

import (
	"log"
	"os"
	"strings"

	"bustrack/internal/auth"
	"bustrack/internal/notify"
	"bustrack/internal/store"
	"bustrack/internal/webhooks"
	"bustrack/internal/ws"
)

type Server struct {
	Store   store.Store
	Pub     *webhooks.Publisher
	Auth    *auth.Verifier
	Gateway *ws.Gateway
	Notify  *notify.Service
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				log.Printf("migrations: %v", err)
			}
		}
		s = sp
	}
	pub := webhooks.NewPublisher(s)
	verifier := auth.NewVerifierFromEnv()
	gw := ws.NewGateway(s, verifier, pub)
	return &Server{
		Store:   s,
		Pub:     pub,
		Auth:    verifier,
		Gateway: gw,
		Notify:  notify.NewService(s, gw.Broadcaster, pub),
	}, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
