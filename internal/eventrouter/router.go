// Package eventrouter implements the persistent event channel to browser
// clients: one WebSocket per session, JSON events by name, binary frames
// for audio and FFT rows, and the data_request/data_submission command
// buses. Per-session rooms route audio-data exclusively to the session
// that produced it.
package eventrouter

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// HandlerFunc serves one command on a bus. The returned value becomes the
// reply's data field; a returned error becomes {success: false, error}.
type HandlerFunc func(sessionID string, data json.RawMessage) (any, error)

// SessionValidator decides whether a connecting session id is live.
type SessionValidator func(sessionID string) bool

// Router is the session-addressed event plumbing between the pipeline and
// external clients.
type Router struct {
	log      *log.Logger
	upgrader websocket.Upgrader

	validate     SessionValidator
	onDisconnect func(sessionID string)

	compressAt int

	mu       sync.RWMutex
	clients  map[string]*client
	requests map[string]HandlerFunc
	submits  map[string]HandlerFunc
}

// New creates a Router. validate may be nil (any session id accepted);
// onDisconnect may be nil.
func New(validate SessionValidator, onDisconnect func(sessionID string), logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 65536,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate:     validate,
		onDisconnect: onDisconnect,
		compressAt:   defaultCompressAt,
		clients:      make(map[string]*client),
		requests:     make(map[string]HandlerFunc),
		submits:      make(map[string]HandlerFunc),
	}
}

// HandleRequest registers a data_request command handler.
func (r *Router) HandleRequest(cmd string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[cmd] = fn
}

// HandleSubmission registers a data_submission command handler.
func (r *Router) HandleSubmission(cmd string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits[cmd] = fn
}

// ServeWS upgrades an HTTP request into the event channel for the session
// named by the session_id query parameter.
func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	if r.validate != nil && !r.validate(sessionID) {
		http.Error(w, "unknown session", http.StatusForbidden)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Printf("eventrouter: upgrade failed for session %s: %v", sessionID, err)
		return
	}

	c := newClient(sessionID, conn, r.compressAt)

	r.mu.Lock()
	if old, ok := r.clients[sessionID]; ok {
		// Reconnection: the newest connection wins.
		go old.close()
	}
	r.clients[sessionID] = c
	total := len(r.clients)
	r.mu.Unlock()

	r.log.Printf("eventrouter: session %s connected (clients=%d)", sessionID, total)
	r.readLoop(c)
}

// command is the JSON wire shape of a client->server bus message.
type command struct {
	Bus  string          `json:"bus"`
	Cmd  string          `json:"cmd"`
	ID   uint64          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// reply is the JSON wire shape of a command response.
type reply struct {
	Type    string `json:"type"`
	Bus     string `json:"bus"`
	Cmd     string `json:"cmd"`
	ID      uint64 `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r *Router) readLoop(c *client) {
	defer r.dropClient(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			r.log.Printf("eventrouter: session %s sent malformed command: %v", c.sessionID, err)
			continue
		}
		r.dispatch(c, cmd)
	}
}

func (r *Router) dispatch(c *client, cmd command) {
	var fn HandlerFunc
	r.mu.RLock()
	switch cmd.Bus {
	case BusDataRequest:
		fn = r.requests[cmd.Cmd]
	case BusDataSubmission:
		fn = r.submits[cmd.Cmd]
	}
	r.mu.RUnlock()

	resp := reply{Type: "response", Bus: cmd.Bus, Cmd: cmd.Cmd, ID: cmd.ID}
	switch {
	case cmd.Bus != BusDataRequest && cmd.Bus != BusDataSubmission:
		resp.Error = fmt.Sprintf("unknown bus %q", cmd.Bus)
	case fn == nil:
		resp.Error = fmt.Sprintf("unknown command %q", cmd.Cmd)
	default:
		data, err := fn(c.sessionID, cmd.Data)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Data = data
		}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		r.log.Printf("eventrouter: failed to marshal reply for %s/%s: %v", cmd.Bus, cmd.Cmd, err)
		return
	}
	if err := c.writeRaw(raw); err != nil {
		r.log.Printf("eventrouter: write to session %s failed: %v", c.sessionID, err)
	}
}

func (r *Router) dropClient(c *client) {
	r.mu.Lock()
	current, ok := r.clients[c.sessionID]
	if ok && current == c {
		delete(r.clients, c.sessionID)
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	c.close()
	if ok && current == c {
		r.log.Printf("eventrouter: session %s disconnected (clients=%d)", c.sessionID, remaining)
		if r.onDisconnect != nil {
			r.onDisconnect(c.sessionID)
		}
	}
}

// Emit sends a JSON event to one session's private room. Unknown sessions
// are a silent no-op (the client may have disconnected mid-pipeline).
func (r *Router) Emit(sessionID, event string, payload any) error {
	r.mu.RLock()
	c, ok := r.clients[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.writeEvent(event, payload)
}

// EmitBinary sends a tagged binary frame to one session's room with
// drop-on-full semantics. Returns false when the frame was dropped or the
// session has no client.
func (r *Router) EmitBinary(sessionID string, tag byte, payload []byte) bool {
	r.mu.RLock()
	c, ok := r.clients[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueueBinary(tag, payload)
}

// Broadcast sends a JSON event to every connected client.
func (r *Router) Broadcast(event string, payload any) {
	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if err := c.writeEvent(event, payload); err != nil {
			r.log.Printf("eventrouter: broadcast %s to session %s failed: %v", event, c.sessionID, err)
		}
	}
}

// HasClient reports whether sessionID currently has a live connection.
func (r *Router) HasClient(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[sessionID]
	return ok
}

// ClientCount returns the number of connected clients.
func (r *Router) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Disconnect force-closes the connection for sessionID, if any.
func (r *Router) Disconnect(sessionID string) {
	r.mu.RLock()
	c, ok := r.clients[sessionID]
	r.mu.RUnlock()
	if ok {
		c.close()
	}
}
