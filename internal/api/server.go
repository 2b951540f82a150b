// Package api serves connection status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rebeliceyang/vizconn/internal/connection"
	"github.com/rebeliceyang/vizconn/internal/history"
	"github.com/rebeliceyang/vizconn/internal/log"
	"github.com/rebeliceyang/vizconn/internal/metrics"
	"github.com/rebeliceyang/vizconn/internal/models"
)

const defaultHistoryLimit = 50

// Options wires optional collaborators into a Server
type Options struct {
	// History enables the per-connection history route
	History *history.Store
	// Metrics counts requests
	Metrics *metrics.Metrics
	// Gatherer is served on /metrics
	Gatherer prometheus.Gatherer
}

// ConnectionStatus is the JSON view of a connection
type ConnectionStatus struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Host        string                 `json:"host"`
	Port        int                    `json:"port"`
	Path        string                 `json:"path"`
	State       models.ConnectionState `json:"state"`
	Message     string                 `json:"message"`
	Properties  map[string]string      `json:"properties"`
}

// Server exposes a Manager's connections
type Server[T any] struct {
	manager *connection.Manager[T]
	opts    Options
	router  *mux.Router
}

// NewServer builds the router for manager
func NewServer[T any](manager *connection.Manager[T], opts Options) *Server[T] {
	s := &Server[T]{
		manager: manager,
		opts:    opts,
		router:  mux.NewRouter(),
	}

	s.router.Use(s.countRequests)
	s.router.HandleFunc("/api/v1/connections", s.listConnections).Methods("GET")
	s.router.HandleFunc("/api/v1/connections/{name}", s.getConnection).Methods("GET")
	s.router.HandleFunc("/api/v1/connections/{name}/connect", s.connect).Methods("POST")
	s.router.HandleFunc("/api/v1/connections/{name}/disconnect", s.disconnect).Methods("POST")
	s.router.HandleFunc("/api/v1/hosts/{host}", s.connectionsForHost).Methods("GET")
	if opts.History != nil {
		s.router.HandleFunc("/api/v1/connections/{name}/history", s.connectionHistory).Methods("GET")
	}
	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return s
}

// Handler returns the HTTP handler
func (s *Server[T]) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server[T]) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("status api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server[T]) status(conn *connection.Connection[T]) ConnectionStatus {
	return ConnectionStatus{
		Name:        conn.Name(),
		Description: conn.Description(),
		Host:        conn.Host(),
		Port:        conn.Port(),
		Path:        conn.Path(),
		State:       conn.State(),
		Message:     conn.StatusMessage(),
		Properties:  conn.Properties(),
	}
}

// listConnections handles GET /api/v1/connections
func (s *Server[T]) listConnections(w http.ResponseWriter, r *http.Request) {
	names := s.manager.Connections()
	out := make([]ConnectionStatus, 0, len(names))
	for _, name := range names {
		if conn, ok := s.manager.GetConnection(name); ok {
			out = append(out, s.status(conn))
		}
	}
	sendJSON(w, http.StatusOK, out)
}

// getConnection handles GET /api/v1/connections/{name}
func (s *Server[T]) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, s.status(conn))
}

// connect handles POST /api/v1/connections/{name}/connect
func (s *Server[T]) connect(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.await(w, r, conn, conn.Connect())
}

// disconnect handles POST /api/v1/connections/{name}/disconnect
func (s *Server[T]) disconnect(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.await(w, r, conn, conn.Disconnect())
}

func (s *Server[T]) await(w http.ResponseWriter, r *http.Request, conn *connection.Connection[T], f *connection.Future) {
	if _, err := f.Wait(r.Context()); err != nil {
		sendError(w, "operation did not complete: "+err.Error(), http.StatusGatewayTimeout)
		return
	}
	sendJSON(w, http.StatusOK, s.status(conn))
}

// connectionsForHost handles GET /api/v1/hosts/{host}
func (s *Server[T]) connectionsForHost(w http.ResponseWriter, r *http.Request) {
	names, err := s.manager.ConnectionsForHost(mux.Vars(r)["host"])
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sendJSON(w, http.StatusOK, names)
}

// connectionHistory handles GET /api/v1/connections/{name}/history
func (s *Server[T]) connectionHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	transitions, err := s.opts.History.ForConnection(mux.Vars(r)["name"], limit)
	if err != nil {
		sendError(w, "failed to read history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if transitions == nil {
		transitions = []models.Transition{}
	}
	sendJSON(w, http.StatusOK, transitions)
}

func (s *Server[T]) lookup(w http.ResponseWriter, r *http.Request) (*connection.Connection[T], bool) {
	name := mux.Vars(r)["name"]
	conn, ok := s.manager.GetConnection(name)
	if !ok {
		sendError(w, "connection not found: "+name, http.StatusNotFound)
		return nil, false
	}
	return conn, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server[T]) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.opts.Metrics == nil {
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.opts.Metrics.ObserveRequest(route, rec.status)
	})
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "error", err)
	}
}

func sendError(w http.ResponseWriter, message string, status int) {
	sendJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
