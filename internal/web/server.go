// Package web exposes the hub over HTTP: a JSON API for devices, scenes
// and groups, and a WebSocket feed of live state snapshots.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/group"
	"lumehub/internal/scene"
)

// StateSource supplies read access to the authoritative device state.
type StateSource interface {
	Snapshot() device.DevicesState
}

// Sender enqueues messages for the central dispatcher. All mutations the
// web layer performs travel through it.
type Sender interface {
	Send(m event.Message)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front end. It reads state through StateSource and
// mutates exclusively by sending dispatcher events, so it never races the
// hub.
type Server struct {
	state  StateSource
	sender Sender
	scenes *scene.Scenes
	groups *group.Groups

	wsHub  *WSHub
	logger *slog.Logger
	mux    *http.ServeMux

	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
}

// NewServer creates the web server.
func NewServer(state StateSource, sender Sender, scenes *scene.Scenes, groups *group.Groups, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		state:  state,
		sender: sender,
		scenes: scenes,
		groups: groups,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.routes()
	return s
}

// BroadcastState pushes a state snapshot to every connected WebSocket
// client. It satisfies the hub's broadcaster hook.
func (s *Server) BroadcastState(state device.DevicesState) {
	s.wsHub.Broadcast(serverMessage{Type: "state", State: state})
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Combined snapshot and devices
	s.mux.HandleFunc("GET /api/state", s.handleAPIState)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{integration}/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PUT /api/devices/{integration}/{id}/state", s.handleAPISetDeviceState)

	// Scenes
	s.mux.HandleFunc("GET /api/scenes", s.handleAPIListScenes)
	s.mux.HandleFunc("POST /api/scenes", s.handleAPICreateScene)
	s.mux.HandleFunc("PATCH /api/scenes/{id}", s.handleAPIRenameScene)
	s.mux.HandleFunc("DELETE /api/scenes/{id}", s.handleAPIDeleteScene)
	s.mux.HandleFunc("POST /api/scenes/{id}/activate", s.handleAPIActivateScene)

	// Groups, actions, misc
	s.mux.HandleFunc("GET /api/groups", s.handleAPIListGroups)
	s.mux.HandleFunc("POST /api/dim", s.handleAPIDim)
	s.mux.HandleFunc("POST /api/expressions/eval", s.handleAPIEvalExpr)
	s.mux.HandleFunc("POST /api/routines/{id}/trigger", s.handleAPITriggerRoutine)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ endpoints require the key; the WebSocket upgrade
		// cannot carry custom headers from a browser.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
