package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var errSendBufferFull = errors.New("agent send buffer full")

// Seen is notified whenever an agent shows signs of life on its connection.
type Seen interface {
	Touch(ctx context.Context, mac string) error
}

// Message is the frame written to an agent's live connection.
type Message struct {
	Type string       `json:"type"`
	Task *models.Task `json:"task,omitempty"`
}

// Hub tracks at most one live websocket per agent MAC. A new connection for a
// MAC replaces and closes the previous one.
type Hub struct {
	upgrader websocket.Upgrader
	seen     Seen
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*agentConn
}

type agentConn struct {
	hub  *Hub
	mac  string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates a Hub. seen may be nil.
func NewHub(seen Seen) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// agents are not browsers; no Origin to check
			CheckOrigin: func(*http.Request) bool { return true },
		},
		seen:   seen,
		logger: slog.Default().With("component", "hub"),
		conns:  make(map[string]*agentConn),
	}
}

// Serve upgrades the request and blocks until the connection ends.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, mac string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &agentConn{
		hub:  h,
		mac:  mac,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	h.touch(mac)

	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) register(c *agentConn) {
	h.mu.Lock()
	old := h.conns[c.mac]
	h.conns[c.mac] = c
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("agent connection superseded", "mac", c.mac)
		old.close()
	}
	h.logger.Info("agent connected", "mac", c.mac, "remote_addr", c.ws.RemoteAddr().String())
}

// unregister removes c only if it is still the agent's current connection.
func (h *Hub) unregister(c *agentConn) {
	h.mu.Lock()
	if h.conns[c.mac] == c {
		delete(h.conns, c.mac)
	}
	h.mu.Unlock()
}

func (h *Hub) touch(mac string) {
	if h.seen == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.seen.Touch(ctx, mac); err != nil {
		h.logger.Warn("touch agent failed", "mac", mac, "error", err)
	}
}

// Push queues task on the agent's live connection without blocking.
func (h *Hub) Push(ctx context.Context, mac string, task *models.Task) error {
	data, err := json.Marshal(Message{Type: "task", Task: task})
	if err != nil {
		return err
	}

	h.mu.Lock()
	c, ok := h.conns[mac]
	h.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	// A closed connection may still have buffer room; never report it delivered.
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errSendBufferFull
	}
}

// Disconnect closes the agent's live connection if there is one.
func (h *Hub) Disconnect(mac string) {
	h.mu.Lock()
	c, ok := h.conns[mac]
	if ok {
		delete(h.conns, mac)
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) Connected(mac string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[mac]
	return ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every live connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*agentConn)
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (c *agentConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump discards agent frames but treats each one, and each pong, as a heartbeat.
func (c *agentConn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.hub.logger.Info("agent disconnected", "mac", c.mac)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.touch(c.mac)
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("agent connection error", "mac", c.mac, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.touch(c.mac)
	}
}

func (c *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
