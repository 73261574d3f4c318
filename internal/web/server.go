// Package web serves the HTTP API, the metrics endpoint and the live event
// websocket.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/deliberation"
	"github.com/mtzanidakis/synedrio/internal/health"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/registry"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

type Server struct {
	pipeline  *deliberation.Pipeline
	probe     *health.Probe
	registry  *registry.Registry
	store     *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

// NewServer wires the API. reg, store and bus may be nil; the endpoints
// that need them then report 503.
func NewServer(p *deliberation.Pipeline, probe *health.Probe, reg *registry.Registry, s *store.Store, bus *natsbus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		pipeline:  p,
		probe:     probe,
		registry:  reg,
		store:     s,
		bus:       bus,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler builds the routed, middleware-wrapped handler. Background work
// started here stops when ctx is done.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	limit := RateLimit(ctx, s.cfg.RateLimit)
	query := limit(http.HandlerFunc(s.handleQuery))

	// Unprefixed endpoints, kept for existing frontends.
	mux.Handle("POST /query", query)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /api/query", query)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Subscribe to NATS events and broadcast to WebSocket
	s.subscribeEvents()
	defer func() {
		if s.nats != nil {
			s.nats.Close()
		}
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	<-stopped
	return nil
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	if _, err := client.SubscribeEvents(natsbus.TopicEventsAll, s.hub.Broadcast); err != nil {
		slog.Error("subscribe to events failed", "error", err)
	}
}
