package wsbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	logx "opsnotify/pkg/logx"
)

// Hub is an http.Handler that accepts websocket clients and relays every
// valid frame to all other clients. Slow clients drop frames.
type Hub struct {
	log      logx.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*peer]struct{}
	closed  bool

	relayed atomic.Uint64
	dropped atomic.Uint64
}

type peer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (p *peer) close() { p.once.Do(func() { close(p.send) }) }

// NewHub builds a hub. checkOrigin nil accepts every origin.
func NewHub(log logx.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		log:      log.Component("wsbus.hub"),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		clients:  map[*peer]struct{}{},
	}
}

// HubStats reports relay counters.
type HubStats struct {
	Clients int    `json:"clients"`
	Relayed uint64 `json:"relayed"`
	Dropped uint64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	return HubStats{Clients: n, Relayed: h.relayed.Load(), Dropped: h.dropped.Load()}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	p := &peer{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[p] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("relay client connected", logx.String("remote", r.RemoteAddr), logx.Int("clients", total))

	go h.writePump(p)
	h.readPump(p)
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	_, ok := h.clients[p]
	delete(h.clients, p)
	h.mu.Unlock()
	if ok {
		p.close()
	}
}

func (h *Hub) readPump(p *peer) {
	defer func() {
		h.remove(p)
		_ = p.conn.Close()
	}()
	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("relay read failed", logx.Err(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Topic == "" {
			h.log.Debug("relay frame rejected", logx.Int("bytes", len(msg)))
			continue
		}
		h.broadcast(p, msg)
	}
}

func (h *Hub) broadcast(from *peer, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.clients {
		if p == from {
			continue
		}
		select {
		case p.send <- msg:
			h.relayed.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) writePump(p *peer) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.clients))
	for p := range h.clients {
		peers = append(peers, p)
	}
	h.clients = map[*peer]struct{}{}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
