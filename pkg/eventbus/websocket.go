package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patrolwire/patrolwire/internal/telemetry"
	"github.com/patrolwire/patrolwire/pkg/auth"
)

// connQueueSize is the per-connection bounded backpressure queue (spec
// §4.K: "per-connection bounded queue (capacity 256)").
const connQueueSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced at the HTTP layer
}

// conn is one live WebSocket subscriber.
type conn struct {
	ws        *websocket.Conn
	queue     chan []byte
	congested bool
	closed    bool
	mu        sync.Mutex
}

func (c *conn) enqueue(msg []byte) {
	c.mu.Lock()
	congestedNow := c.congested
	c.congested = false
	c.mu.Unlock()

	if congestedNow {
		var envelope map[string]any
		if err := json.Unmarshal(msg, &envelope); err == nil {
			envelope["congested"] = true
			if withFlag, err := json.Marshal(envelope); err == nil {
				msg = withFlag
			}
		}
	}

	select {
	case c.queue <- msg:
	default:
		// Drop the oldest pending message and flag the next delivery as
		// congested so the client knows to resync via REST (spec §4.K).
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- msg:
		default:
		}
		c.mu.Lock()
		c.congested = true
		c.mu.Unlock()
		telemetry.WebSocketCongestedTotal.Inc()
	}
}

// Fanout maintains the tenant_id -> set<connection> index and writes
// published events out to every connection subscribed to that tenant.
// Closed connections are reaped lazily, on the next failed write.
type Fanout struct {
	bus    *Bus
	logger *slog.Logger

	mu    sync.RWMutex
	byTenant map[string]map[*conn]struct{}
}

// NewFanout builds a Fanout subscribed to every topic in allTopics on bus
// (config.invalidated is not relayed).
func NewFanout(bus *Bus, logger *slog.Logger) *Fanout {
	f := &Fanout{bus: bus, logger: logger, byTenant: make(map[string]map[*conn]struct{})}
	for _, topic := range allTopics {
		go f.relay(topic)
	}
	return f
}

var allTopics = []Topic{
	TopicAlertIngested, TopicIncidentCreated, TopicIncidentUpdated, TopicIncidentAssigned,
	TopicApprovalRequested, TopicApprovalDecided, TopicRemediationCompleted,
	TopicNotificationCreated, TopicCorrelatorProgress,
}

func (f *Fanout) relay(topic Topic) {
	for event := range f.bus.Subscribe(topic) {
		msg, err := json.Marshal(event)
		if err != nil {
			f.logger.Error("marshaling event for websocket fanout", "error", err, "topic", topic)
			continue
		}
		f.mu.RLock()
		conns := f.byTenant[event.TenantID]
		targets := make([]*conn, 0, len(conns))
		for c := range conns {
			targets = append(targets, c)
		}
		f.mu.RUnlock()

		// Ordering guarantee (spec §5): within a tenant and a single
		// connection, events are delivered in publish order — each
		// connection's writer goroutine drains its own queue in FIFO
		// order, so enqueuing here in publish order is sufficient.
		for _, c := range targets {
			c.enqueue(msg)
		}
	}
}

// ServeWS upgrades the request to a WebSocket and registers the connection
// under the caller's tenant until it closes.
func (f *Fanout) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, queue: make(chan []byte, connQueueSize)}
	f.register(id.TenantID, c)
	defer f.unregister(id.TenantID, c)

	go f.readLoop(c)
	f.writeLoop(c)
}

func (f *Fanout) register(tenantID string, c *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byTenant[tenantID] == nil {
		f.byTenant[tenantID] = make(map[*conn]struct{})
	}
	f.byTenant[tenantID][c] = struct{}{}
}

func (f *Fanout) unregister(tenantID string, c *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byTenant[tenantID], c)
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		_ = c.ws.Close()
	}
	c.mu.Unlock()
}

// readLoop discards client frames but is required to keep the connection
// alive and to detect client-initiated close.
func (f *Fanout) readLoop(c *conn) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Fanout) writeLoop(c *conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.queue:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
