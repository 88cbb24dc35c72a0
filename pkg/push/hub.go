package push

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HubConfig holds hub settings.
type HubConfig struct {
	// WriteTimeout bounds one frame write.
	// Default: 10s
	WriteTimeout time.Duration

	// HeartbeatInterval is the interval between pings.
	// Default: 30s
	HeartbeatInterval time.Duration

	// ReadTimeout is how long a subscriber may stay silent, pongs included,
	// before it is disconnected. It must exceed HeartbeatInterval.
	// Default: 60s
	ReadTimeout time.Duration

	// SendBuffer is the number of frames queued per client. Clients that fall
	// further behind are disconnected.
	// Default: 16
	SendBuffer int

	// CheckOrigin validates the handshake origin. Nil accepts same-origin
	// requests only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultHubConfig returns a HubConfig with sensible defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		SendBuffer:        16,
	}
}

// Hub broadcasts frames to connected subscribers.
type Hub struct {
	config   *HubConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewHub creates a hub. A nil config uses DefaultHubConfig; unset or
// negative fields take their defaults.
func NewHub(config *HubConfig, logger *slog.Logger) *Hub {
	config = withDefaults(config)
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		logger:  logger.With("component", "hub"),
		clients: make(map[*client]struct{}),
	}
}

func withDefaults(config *HubConfig) *HubConfig {
	def := DefaultHubConfig()
	if config == nil {
		return def
	}
	c := *config
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReadTimeout <= c.HeartbeatInterval {
		c.ReadTimeout = 2 * c.HeartbeatInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	return &c
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.config.SendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("subscriber connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("subscriber disconnected", "remote", r.RemoteAddr)
}

// readLoop discards client messages until the connection fails or the
// client stays silent past ReadTimeout.
func (h *Hub) readLoop(c *client) {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})
	for {
		c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.logger.Error("read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("write error", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				c.close()
				return
			}

		case <-c.done:
			return
		}
	}
}

// Broadcast queues f for every subscriber and returns how many received it.
func (h *Hub) Broadcast(f Frame) (int, error) {
	msg, err := f.Encode()
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for c := range h.clients {
		select {
		case c.send <- msg:
			sent++
		default:
			h.logger.Warn("subscriber too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
	return sent, nil
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.close()
		delete(h.clients, c)
	}
}
