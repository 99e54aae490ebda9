// Package api serves the daemon's HTTP control surface: peripheral status,
// endpoint listing, notify injection and a WebSocket stream of the values
// centrals write.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/blejsond/internal/ble"
	"github.com/chaz8081/blejsond/internal/node"
)

const (
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second

	maxBodyBytes = 64 << 10
)

// StatusSource reports a peripheral session's state.
type StatusSource interface {
	Status() ble.Status
}

// Sender is implemented by endpoints that push values to centrals.
type Sender interface {
	Send(payload any) error
}

// DeviceStatus is a session status tagged with its device id.
type DeviceStatus struct {
	ID string `json:"id"`
	ble.Status
}

// Server routes API requests to the configured devices and endpoints.
type Server struct {
	devices  map[string]StatusSource
	nodes    map[string]node.Node
	hub      *Hub
	upgrader websocket.Upgrader
	router   chi.Router
}

// NewServer builds the router. The maps are read-only after this call.
func NewServer(devices map[string]StatusSource, nodes map[string]node.Node, hub *Hub) *Server {
	s := &Server{
		devices: devices,
		nodes:   nodes,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/stream", s.stream)
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.listDevices)
		r.Get("/{id}", s.getDevice)
	})
	r.Route("/endpoints", func(r chi.Router) {
		r.Get("/", s.listEndpoints)
		r.Get("/{id}", s.getEndpoint)
		r.Post("/{id}/notify", s.notify)
		r.Get("/{id}/stream", s.stream)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "service": "blejsond"})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	ids := sortedKeys(s.devices)
	out := make([]DeviceStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, DeviceStatus{ID: id, Status: s.devices[id].Status()})
	}
	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.devices[id]
	if !ok {
		errorResponse(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	jsonResponse(w, http.StatusOK, DeviceStatus{ID: id, Status: d.Status()})
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	ids := sortedKeys(s.nodes)
	out := make([]node.Info, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id].Info())
	}
	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := s.nodes[id]
	if !ok {
		errorResponse(w, http.StatusNotFound, "unknown endpoint "+id)
		return
	}
	jsonResponse(w, http.StatusOK, n.Info())
}

// notify sends the JSON request body, unchanged, to the endpoint's
// subscribers.
func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := s.nodes[id]
	if !ok {
		errorResponse(w, http.StatusNotFound, "unknown endpoint "+id)
		return
	}
	sender, ok := n.(Sender)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "endpoint "+id+" does not notify")
		return
	}

	var payload any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	err := sender.Send(payload)
	switch {
	case errors.Is(err, node.ErrNotReady):
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		jsonResponse(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

// stream upgrades to a WebSocket that receives every message written to the
// endpoint, or to any endpoint on /stream.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != "" {
		n, ok := s.nodes[id]
		if !ok {
			errorResponse(w, http.StatusNotFound, "unknown endpoint "+id)
			return
		}
		if n.Info().Kind != node.KindIn {
			errorResponse(w, http.StatusBadRequest, "endpoint "+id+" does not receive")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Debug("[API] stream client connected", "remote", r.RemoteAddr, "endpoint", id)

	s.hub.AddClient(conn, id)
	defer func() {
		slog.Debug("[API] stream client disconnected", "remote", r.RemoteAddr, "endpoint", id)
		s.hub.RemoveClient(conn)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("[API] stream read error", "remote", r.RemoteAddr, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
