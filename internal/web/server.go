// Package web exposes the controller's HTTP surface: task submission,
// subtask dispatch, worker registration and heartbeats, result callbacks,
// and a websocket event stream bridged from the NATS bus.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/registry"
)

type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	nats       *bus.Client
	hub        *Hub
	cfg        config.WebConfig
	version    string
	startedAt  time.Time
}

func NewServer(d *dispatch.Dispatcher, reg *registry.Registry, nc *bus.Client, cfg config.WebConfig, version string) *Server {
	return &Server{
		dispatcher: d,
		registry:   reg,
		nats:       nc,
		hub:        NewHub(),
		cfg:        cfg,
		version:    version,
		startedAt:  time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if s.cfg.AuthToken != "" && r.URL.Path != "/api/ws" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
				jsonError(w, fault.New(fault.CodeInternal, "unauthorized"), http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// subscribeEvents bridges NATS events to connected websocket clients.
func (s *Server) subscribeEvents() {
	if s.nats == nil {
		return
	}
	_, err := s.nats.Subscribe(bus.TopicEventsAll, func(msg *nats.Msg) {
		var payload any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		s.hub.Broadcast(Event{Type: msg.Subject, Payload: payload})
	})
	if err != nil {
		slog.Error("event subscription failed", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func jsonError(w http.ResponseWriter, fe *fault.Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(fe)
}
