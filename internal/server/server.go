// Package server exposes read-only telemetry over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"kraken-controller/internal/core"
	"kraken-controller/internal/scheduler"
)

// Sources supplies the data served to clients. Nil functions are skipped.
type Sources struct {
	State     func() core.State
	Patterns  func() ([]string, error)
	Schedules func() []scheduler.ScheduleEntry
}

// Status is the body of GET /api/status.
type Status struct {
	State     core.State                `json:"state"`
	Patterns  []string                  `json:"patterns"`
	Schedules []scheduler.ScheduleEntry `json:"schedules"`
}

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub        *Hub
	src        Sources
	httpServer *http.Server

	staticFilesDir string
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer creates a new server instance.
func NewServer(src Sources, port, staticFilesDir string, allowedOrigins []string) *Server {
	s := &Server{
		Hub:            NewHub(),
		src:            src,
		staticFilesDir: staticFilesDir,
		allowedOrigins: allowedOrigins,
	}

	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.httpServer = &http.Server{Addr: ":" + port, Handler: s.Handler()}

	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		log.Println("[Server] Warning: WebSocket CheckOrigin is disabled.")
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	log.Printf("[Server] WebSocket connection blocked: Origin '%s' not in allowed list.", origin)
	return false
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(s.staticFilesDir)))
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start runs the hub and forwards bus events to clients until ctx is done.
func (s *Server) Start(ctx context.Context, eb *core.EventBus) {
	go s.Hub.Run(ctx)

	sub := eb.Subscribe(forwardedEvents...)
	go func() {
		defer eb.Unsubscribe(sub, forwardedEvents...)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub:
				if msg, ok := messageFor(ev); ok {
					s.Hub.Broadcast(msg)
				}
			}
		}
	}()
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) status() Status {
	st := Status{Patterns: []string{}, Schedules: []scheduler.ScheduleEntry{}}
	if s.src.State != nil {
		st.State = s.src.State()
	}
	if s.src.Patterns != nil {
		if p, err := s.src.Patterns(); err == nil {
			st.Patterns = p
		} else {
			log.Printf("[Server] Could not list patterns: %v", err)
		}
	}
	if s.src.Schedules != nil {
		st.Schedules = s.src.Schedules()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		log.Printf("[Server] Status encode error: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] WebSocket upgrade error: %v", err)
		return
	}

	st := s.status()
	_ = conn.WriteJSON(NewMessage("device_state", st.State))
	_ = conn.WriteJSON(NewMessage("pattern_list", st.Patterns))
	_ = conn.WriteJSON(NewMessage("pattern_status", map[string]string{
		"running": st.State.RunningPattern,
	}))
	_ = conn.WriteJSON(NewMessage("schedule_list", st.Schedules))

	if !s.Hub.add(conn) {
		conn.Close()
		return
	}
	defer s.Hub.remove(conn)

	// Clients cannot send commands; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
