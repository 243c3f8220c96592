// Package operator serves the race-side override channel: a WebSocket that
// accepts FORCE_START / FORCE_FINISH / FORCE_RESET and pushes tracker status
// to every connected client, plus a small JSON history endpoint.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gatecam/tracking"
)

// Global debug function for operator package
var debugMsgFunc func(string, string, ...string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string, runID ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, runID...)
	}
}

const (
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 16
	eventBuffer  = 8
)

// Message is the envelope for both directions
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// History is the slice of run storage the server reads from
type History interface {
	Recent(ctx context.Context, course string, limit int) ([]tracking.Run, error)
	Best(ctx context.Context, course string) (tracking.Run, bool, error)
}

type client struct {
	conn *websocket.Conn
	id   string
	send chan Message
}

// Server owns no tracking state. Commands are queued on Events for the
// loop to apply; status comes back through Publish.
type Server struct {
	addr    string
	history History
	events  chan tracking.Event

	mu      sync.RWMutex
	clients map[string]*client
	count   atomic.Int32
	last    *Message

	upgrader websocket.Upgrader
	http     *http.Server
}

func NewServer(addr string, history History) *Server {
	s := &Server{
		addr:    addr,
		history: history,
		events:  make(chan tracking.Event, eventBuffer),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routes for embedding or tests
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Events delivers operator commands. The loop drains it without blocking.
func (s *Server) Events() <-chan tracking.Event {
	return s.events
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		debugMsg("OPERATOR", fmt.Sprintf("Operator channel on ws://%s/ws", s.addr))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("operator server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	return s.http.Shutdown(shutdownCtx)
}

// Publish sends a status snapshot to every client. Slow clients miss updates.
func (s *Server) Publish(snap tracking.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		debugMsg("OPERATOR", fmt.Sprintf("status encode failed: %v", err))
		return
	}
	msg := Message{Type: "STATUS", Payload: payload, Timestamp: time.Now().Unix()}

	s.mu.Lock()
	s.last = &msg
	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
	s.mu.Unlock()
}

// Clients reports the number of connected operators
func (s *Server) Clients() int {
	return int(s.count.Load())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugMsg("OPERATOR", fmt.Sprintf("websocket upgrade failed: %v", err))
		return
	}

	id := r.URL.Query().Get("clientId")
	if id == "" {
		id = uuid.NewString()[:8]
	}
	c := &client{conn: conn, id: id, send: make(chan Message, sendBuffer)}

	s.mu.Lock()
	if old, ok := s.clients[id]; ok {
		// the newer connection wins; closing send makes the old writePump hang up
		close(old.send)
		debugMsg("OPERATOR", fmt.Sprintf("Operator %s reconnected, dropping previous connection", id))
	}
	s.clients[id] = c
	if s.last != nil {
		c.send <- *s.last
	}
	s.mu.Unlock()
	s.count.Add(1)
	debugMsg("OPERATOR", fmt.Sprintf("Operator connected: %s (%d total)", id, s.Clients()))

	go s.writePump(c)
	s.readPump(c)

	s.mu.Lock()
	if s.clients[id] == c {
		delete(s.clients, id)
		close(c.send)
	}
	s.mu.Unlock()
	s.count.Add(-1)
	debugMsg("OPERATOR", fmt.Sprintf("Operator disconnected: %s", id))
}

func (s *Server) readPump(c *client) {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				debugMsg("OPERATOR", fmt.Sprintf("websocket error for %s: %v", c.id, err))
			}
			return
		}
		s.reply(c, s.handleMessage(c.id, msg))
	}
}

// handleMessage turns one inbound message into the reply for its sender
func (s *Server) handleMessage(id string, msg Message) Message {
	now := time.Now().Unix()
	if msg.Type == "PING" {
		return Message{Type: "PONG", ClientID: id, Timestamp: now}
	}

	ev, err := tracking.ParseEvent(msg.Type)
	if err != nil {
		debugMsg("OPERATOR", fmt.Sprintf("Unknown message type from %s: %q", id, msg.Type))
		return errorMessage(id, err.Error())
	}

	select {
	case s.events <- ev:
		debugMsg("OPERATOR", fmt.Sprintf("%s requested %s", id, ev))
		ack, _ := json.Marshal(map[string]string{"event": ev.String()})
		return Message{Type: "ACK", Payload: ack, ClientID: id, Timestamp: now}
	default:
		return errorMessage(id, "command queue full")
	}
}

func errorMessage(id, text string) Message {
	payload, _ := json.Marshal(map[string]string{"error": text})
	return Message{Type: "ERROR", Payload: payload, ClientID: id, Timestamp: time.Now().Unix()}
}

func (s *Server) reply(c *client, msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.clients[c.id] != c {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
		close(c.send)
		delete(s.clients, id)
	}
}

type runsResponse struct {
	Runs []tracking.Run `json:"runs"`
	Best *tracking.Run  `json:"best,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]string{"error": "method not allowed"})
		return
	}
	if s.history == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run history disabled"})
		return
	}

	course := r.URL.Query().Get("course")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, 500)
	}

	runs, err := s.history.Recent(r.Context(), course, limit)
	if err != nil {
		debugMsg("OPERATOR", fmt.Sprintf("run history query failed: %v", err))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "history unavailable"})
		return
	}
	resp := runsResponse{Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []tracking.Run{}
	}
	if course != "" {
		if best, ok, err := s.history.Best(r.Context(), course); err == nil && ok {
			resp.Best = &best
		}
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.Clients(),
	})
}
