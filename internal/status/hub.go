package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

// Snapshot is the complete state shown on the status screen.
type Snapshot struct {
	ScreenOn         bool      `json:"screen_on"`
	Recording        bool      `json:"recording"`
	RecordingSeconds float64   `json:"recording_seconds"`
	Uploading        bool      `json:"uploading"`
	UploadingClip    string    `json:"uploading_clip,omitempty"`
	Uploaded         uint64    `json:"uploaded"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const (
	hubEventBuffer = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

// Hub keeps the latest Snapshot and pushes every change to websocket
// clients. Sink calls only take the state lock and queue an event; slow
// clients never reach the recorder.
type Hub struct {
	mu    sync.RWMutex
	state Snapshot

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}

	events   chan Snapshot
	upgrader websocket.Upgrader
	logger   recorderlog.Logger
	now      func() time.Time
}

func NewHub(logger recorderlog.Logger) *Hub {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Hub{
		state:   Snapshot{ScreenOn: true},
		clients: make(map[*websocket.Conn]struct{}),
		events:  make(chan Snapshot, hubEventBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("status-hub"),
		now:    time.Now,
	}
}

func (h *Hub) Recording(on bool, elapsed time.Duration) {
	h.update(func(s *Snapshot) {
		s.Recording = on
		if on {
			s.RecordingSeconds = elapsed.Seconds()
		} else {
			s.RecordingSeconds = 0
		}
	})
}

func (h *Hub) Uploading(on bool, clip string) {
	h.update(func(s *Snapshot) {
		s.Uploading = on
		if on {
			s.UploadingClip = clip
		} else {
			s.UploadingClip = ""
		}
	})
}

func (h *Hub) Uploaded() {
	h.update(func(s *Snapshot) { s.Uploaded++ })
}

// ToggleScreen flips the screen state and returns the new value.
func (h *Hub) ToggleScreen() bool {
	var on bool
	h.update(func(s *Snapshot) {
		s.ScreenOn = !s.ScreenOn
		on = s.ScreenOn
	})
	return on
}

// Snapshot returns a copy of the current state.
func (h *Hub) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Hub) update(fn func(*Snapshot)) {
	h.mu.Lock()
	fn(&h.state)
	h.state.UpdatedAt = h.now()
	snap := h.state
	h.mu.Unlock()

	select {
	case h.events <- snap:
	default:
		// the next change carries the full state anyway
	}
}

// Run broadcasts queued snapshots until ctx ends, then closes all clients.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case snap := <-h.events:
			h.broadcast(snap)
		}
	}
}

func (h *Hub) broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("Failed to marshal status snapshot", recorderlog.Error(err))
		return
	}

	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clientsMu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Dropping status client", recorderlog.Error(err))
			h.unregister(conn)
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) {
	h.clientsMu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Debug("Status client registered", recorderlog.Int("clients", n))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.clientsMu.Unlock()
	if ok {
		conn.Close()
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	conns := h.clients
	h.clients = make(map[*websocket.Conn]struct{})
	h.clientsMu.Unlock()
	for c := range conns {
		c.Close()
	}
}

// ServeHTTP upgrades the request and streams snapshots to the client. The
// current snapshot is sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", recorderlog.Error(err))
		return
	}

	data, err := json.Marshal(h.Snapshot())
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		conn.Close()
		return
	}
	h.register(conn)

	go h.readPump(conn)
}

// readPump consumes control frames so close and pong are noticed.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.unregister(conn)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
