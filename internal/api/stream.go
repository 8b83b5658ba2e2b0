// Live passage feed over websockets, one stream per world.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/storyloom/internal/plot"
)

const (
	streamWriteWait = 5 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = 30 * time.Second
)

// Hub fans committed passages out to websocket subscribers. Subscribers
// that cannot keep up lose events rather than stall the pipeline.
type Hub struct {
	mu     sync.Mutex
	worlds map[string]map[uint64]chan []byte

	nextID   atomic.Uint64
	count    atomic.Int64
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		worlds: make(map[string]map[uint64]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// streamEvent is the wire shape of one committed passage.
type streamEvent struct {
	Type        string    `json:"type"`
	WorldID     string    `json:"world_id"`
	Ordinal     int       `json:"ordinal"`
	Narrative   string    `json:"narrative"`
	ConflictTag string    `json:"conflict_tag"`
	CreatedAt   time.Time `json:"created_at"`
}

// Publish pushes a committed passage to every subscriber of its world.
// The pipeline calls this from its passage hook.
func (h *Hub) Publish(p plot.Passage) {
	b, err := json.Marshal(streamEvent{
		Type:        "passage",
		WorldID:     p.WorldID,
		Ordinal:     p.Ordinal,
		Narrative:   p.Narrative,
		ConflictTag: p.ConflictTag,
		CreatedAt:   p.CreatedAt,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.worlds[p.WorldID] {
		select {
		case out <- b:
		default:
			// Slow consumer; drop rather than block the commit path.
		}
	}
}

// Connections reports the number of live subscribers.
func (h *Hub) Connections() int {
	return int(h.count.Load())
}

func (h *Hub) subscribe(worldID string) (uint64, chan []byte) {
	id := h.nextID.Add(1)
	out := make(chan []byte, 16)

	h.mu.Lock()
	subs := h.worlds[worldID]
	if subs == nil {
		subs = make(map[uint64]chan []byte)
		h.worlds[worldID] = subs
	}
	subs[id] = out
	h.mu.Unlock()

	h.count.Add(1)
	return id, out
}

func (h *Hub) unsubscribe(worldID string, id uint64) {
	h.mu.Lock()
	if subs := h.worlds[worldID]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.worlds, worldID)
		}
	}
	h.mu.Unlock()
	h.count.Add(-1)
}

// ServeStream upgrades the request and feeds the subscriber passages as
// they commit, until the client disconnects.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, worldID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, out := h.subscribe(worldID)
	defer h.unsubscribe(worldID, id)
	slog.Debug("stream client connected", "world", worldID, "sub", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer goroutine. Pings keep intermediaries from reaping idle streams.
	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(streamPingEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case b := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	// Reader loop. Clients send nothing meaningful; reads surface pongs and
	// disconnects.
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

	// Best-effort wait so the writer doesn't outlive conn.
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	slog.Debug("stream client disconnected", "world", worldID, "sub", id)
}
