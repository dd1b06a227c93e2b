// Package api implements the External Interface Adapter: an HTTP surface
// over the fleet's state (read-only queries plus the restart and force-close
// commands), plus a push channel for status changes.
// The Hub/websocket broadcast pattern and the origin-checked upgrader are
// adapted from the teacher's internal/server/server.go; the routes and
// payloads are new, scoped to the operations the spec allows
// (snapshot, time-until-next-vote, restart, force-close, login-required and
// open-browser listings) rather than the teacher's start/stop/config-edit
// control surface.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shivanshu32/cloudvoter-sub001/internal/instance"
)

// Fleet is the subset of the Fleet Scheduler's API this adapter depends on.
// It is an interface so the adapter can be tested without a real scheduler.
type Fleet interface {
	Snapshot() []instance.Snapshot
	TimeUntilNextVote(id int) (time.Duration, instance.State, bool)
}

// Hub fan-outs state-change events to connected websocket clients. Adapted
// from the teacher's internal/server.Hub; drop-when-full so one slow
// client can never back-pressure the rest of the fleet.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]chan []byte
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]chan []byte)}
}

// Register starts forwarding broadcasts to conn until Unregister is called.
func (h *Hub) Register(conn *websocket.Conn) {
	ch := make(chan []byte, 128)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	go func() {
		for msg := range ch {
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
	}()
}

// Unregister stops forwarding to conn and closes its channel.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.conns[conn]; ok {
		close(ch)
		delete(h.conns, conn)
	}
	h.mu.Unlock()
}

// Broadcast sends typ/data to every connected client, dropping the message
// for any client whose outbound buffer is full.
func (h *Hub) Broadcast(typ string, data interface{}) {
	payload, err := json.Marshal(map[string]interface{}{"type": typ, "data": data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.conns {
		select {
		case ch <- payload:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		allowed := []string{"http://127.0.0.1", "http://localhost", "https://127.0.0.1", "https://localhost"}
		for _, a := range allowed {
			if strings.HasPrefix(origin, a) {
				return true
			}
		}
		return false
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RestartFunc and ForceCloseFunc are narrow hooks into fleet control that
// the adapter calls but does not implement itself.
type RestartFunc func(instanceID int) error
type ForceCloseFunc func(instanceID int) error

// Server is the External Interface Adapter's HTTP server.
type Server struct {
	fleet      Fleet
	hub        *Hub
	logger     *zap.Logger
	restart    RestartFunc
	forceClose ForceCloseFunc
	limiter    *rate.Limiter
	metrics    http.Handler
}

// Config configures Server construction.
type Config struct {
	Restart    RestartFunc
	ForceClose ForceCloseFunc
	Metrics    http.Handler // optional, mounted at /api/metrics
}

// New builds a Server backed by fleet.
func New(fleet Fleet, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		fleet:      fleet,
		hub:        NewHub(),
		logger:     logger,
		restart:    cfg.Restart,
		forceClose: cfg.ForceClose,
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		metrics:    cfg.Metrics,
	}
}

// Hub exposes the push channel so the fleet scheduler can broadcast state
// changes as they happen (e.g. a global hourly limit pausing the fleet).
func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the adapter's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.rateLimited(s.handleStatus))
	mux.HandleFunc("/api/instances", s.rateLimited(s.handleInstances))
	mux.HandleFunc("/api/instances/next-vote", s.rateLimited(s.handleNextVote))
	mux.HandleFunc("/api/instances/login-required", s.rateLimited(s.handleLoginRequired))
	mux.HandleFunc("/api/instances/open-browsers", s.rateLimited(s.handleOpenBrowsers))
	mux.HandleFunc("/api/instances/restart", s.rateLimited(s.handleRestart))
	mux.HandleFunc("/api/instances/force-close", s.rateLimited(s.handleForceClose))
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("/api/metrics", s.metrics)
	}
	return mux
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus returns the full fleet snapshot (spec §6 Snapshot).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.fleet.Snapshot())
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	s.handleStatus(w, r)
}

// handleNextVote implements TimeUntilNextVote(id) over HTTP: ?id=<instance id>.
func (s *Server) handleNextVote(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, "missing or invalid id parameter", http.StatusBadRequest)
		return
	}
	wait, state, found := s.fleet.TimeUntilNextVote(id)
	if !found {
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"instance_id":      id,
		"state":            state,
		"seconds_until_eligible": wait.Seconds(),
	})
}

// handleLoginRequired implements ListLoginRequired() (spec §6): every
// instance currently in the Excluded state.
func (s *Server) handleLoginRequired(w http.ResponseWriter, r *http.Request) {
	var out []instance.Snapshot
	for _, snap := range s.fleet.Snapshot() {
		if snap.State == instance.StateExcluded {
			out = append(out, snap)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// openBrowserSummary is one entry of list_open_browsers() (spec §6): the
// instance's snapshot plus how long it has held its browser-launch slot.
type openBrowserSummary struct {
	instance.Snapshot
	DurationSeconds float64 `json:"duration_seconds"`
}

// handleOpenBrowsers implements ListOpenBrowsers() (spec §6): every instance
// whose browser_opened_at is currently set (it holds a browser-launch
// slot), including how long it has held it.
func (s *Server) handleOpenBrowsers(w http.ResponseWriter, r *http.Request) {
	var out []openBrowserSummary
	for _, snap := range s.fleet.Snapshot() {
		if snap.BrowserOpenedAt.IsZero() {
			continue
		}
		out = append(out, openBrowserSummary{
			Snapshot:        snap,
			DurationSeconds: time.Since(snap.BrowserOpenedAt).Seconds(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, "missing or invalid id parameter", http.StatusBadRequest)
		return
	}
	if s.restart == nil {
		http.Error(w, "restart not configured", http.StatusNotImplemented)
		return
	}
	if err := s.restart(id); err != nil {
		s.logger.Warn("restart failed", zap.Int("instance_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.Broadcast("restarted", map[string]int{"instance_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, "missing or invalid id parameter", http.StatusBadRequest)
		return
	}
	if s.forceClose == nil {
		http.Error(w, "force-close not configured", http.StatusNotImplemented)
		return
	}
	if err := s.forceClose(id); err != nil {
		s.logger.Warn("force close failed", zap.Int("instance_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.Broadcast("browser_closed", map[string]int{"instance_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func idParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}
