package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mbocsi/lorarelay/services"
)

// WebServer serves the relay's HTTP API, the dashboard and the live event stream
type WebServer struct {
	services  *services.ServiceContainer
	templates *Templates
	events    *EventHub
	metrics   http.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

type Option func(*WebServer)

// WithMetrics mounts h at /metrics
func WithMetrics(h http.Handler) Option {
	return func(w *WebServer) { w.metrics = h }
}

// WithEvents streams events published to hub at /api/events
func WithEvents(hub *EventHub) Option {
	return func(w *WebServer) { w.events = hub }
}

func NewWebServer(serviceContainer *services.ServiceContainer, opts ...Option) *WebServer {
	w := &WebServer{
		services:  serviceContainer,
		templates: NewTemplates(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Routes returns the HTTP routes for the API and dashboard
func (w *WebServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", w.HandleDashboard)
	r.Get("/healthz", w.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", w.HandleDevices)
		r.Get("/devices/{id}", w.HandleDeviceDetail)
		r.Get("/devices/{id}/commands", w.HandleDevicePending)
		r.Post("/devices/{id}/commands", w.HandleDeviceCommand)
		r.Get("/commands", w.HandlePending)
		r.Post("/commands", w.HandleQueueCommand)
		r.Get("/sessions", w.HandleSessions)
		r.Get("/stats", w.HandleStats)
		r.Get("/transports", w.HandleTransports)
		r.Get("/transports/{i}", w.HandleTransportDetail)
		if w.events != nil {
			r.Get("/events", w.HandleEvents)
		}
	})

	if w.metrics != nil {
		r.Handle("/metrics", w.metrics)
	}
	return r
}

// Start listens on addr and serves until Shutdown. It returns once the
// listener is bound; serve errors are logged.
func (w *WebServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           w.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.mu.Lock()
	w.srv, w.ln = srv, ln
	w.mu.Unlock()

	slog.Info("Starting web server", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web server stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, empty before Start.
func (w *WebServer) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln == nil {
		return ""
	}
	return w.ln.Addr().String()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	srv := w.srv
	w.mu.Unlock()
	if srv == nil {
		return nil
	}
	if w.events != nil {
		w.events.Close()
	}
	slog.Info("Shutting down web server")
	return srv.Shutdown(ctx)
}
