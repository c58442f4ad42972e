package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchcryptid/atm-occupancy/internal/domain"
	"github.com/couchcryptid/atm-occupancy/internal/observability"
	"github.com/couchcryptid/atm-occupancy/internal/stream"
)

// Feed event names.
const (
	EventSnapshot   = "snapshot"
	EventSiteUpdate = "site_update"
	EventConnection = "connection"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing queue. A client that falls this
	// far behind is disconnected.
	sendBufSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Views are read-only; origin checks belong to the reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SiteSource is the read side of the site state store.
type SiteSource interface {
	Sites() []domain.Site
	Site(id string) (domain.Site, bool)
	State(id string) (domain.SiteState, bool)
}

// StatusSource reports the upstream connection status.
type StatusSource interface {
	Status() stream.Status
}

// Snapshot is the payload of the snapshot event.
type Snapshot struct {
	Sites      []domain.SiteView `json:"sites"`
	Connection stream.Status     `json:"connection"`
}

// BuildSnapshot renders every catalog site with its current status.
func BuildSnapshot(sites SiteSource, status StatusSource) Snapshot {
	all := sites.Sites()
	views := make([]domain.SiteView, 0, len(all))
	for _, site := range all {
		st, ok := sites.State(site.ID)
		views = append(views, domain.NewSiteView(site, st, ok))
	}
	return Snapshot{Sites: views, Connection: status.Status()}
}

// Hub pushes the snapshot to each view client on connect, then every site
// update and connection change as it happens.
type Hub struct {
	sites   SiteSource
	status  StatusSource
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub reading from the given sources.
func NewHub(sites SiteSource, status StatusSource, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		sites:   sites,
		status:  status,
		logger:  logger,
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
}

// PublishSite broadcasts one accepted site update. Its signature matches
// store.Subscriber.
func (h *Hub) PublishSite(siteID string, state domain.SiteState) {
	site, ok := h.sites.Site(siteID)
	if !ok {
		return
	}
	h.broadcast(EventSiteUpdate, domain.NewSiteView(site, state, true))
}

// PublishStatus broadcasts a connection status change.
func (h *Hub) PublishStatus(s stream.Status) {
	h.broadcast(EventConnection, s)
}

// ServeHTTP upgrades the request and serves one view client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	if err := h.register(c); err != nil {
		h.logger.Error("view feed snapshot failed", "error", err)
		conn.Close()
		return
	}
	defer h.unregister(c)

	h.logger.Debug("view client connected", "remote_addr", r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.metrics.FeedClients.Set(0)
}

// register adds c and queues its snapshot under the same lock, so no update
// can reach c ahead of the snapshot.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := encode(EventSnapshot, BuildSnapshot(h.sites, h.status))
	if err != nil {
		return err
	}
	c.send <- data
	h.clients[c] = struct{}{}
	h.metrics.FeedClients.Set(float64(len(h.clients)))
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.metrics.FeedClients.Set(float64(len(h.clients)))
	}
}

func (h *Hub) broadcast(event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("view feed encode failed", "event", event, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister(c)
	}
	if len(slow) > 0 {
		h.logger.Warn("slow view clients disconnected", "event", event, "count", len(slow))
	}
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// writePump forwards queued messages and sends pings. One goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects. Clients never
// send data.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
