// Package gateway is component H: gateway glue. It registers local
// sessions with the Distributed Connection Manager, fans events out to
// locally-connected WebSocket clients, routes inbound events through the
// Cross-Server Event Router, and applies the retry/circuit-breaker engine
// to that outbound path. Grounded on the teacher's internal/ws/hub.go
// (Hub.clientes local fan-out map, Cliente reader/writer goroutines,
// ping/pong keepalive) generalized from a single eventoID key to
// org-scoped channel subscriptions.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/models"
)

// wsEvent is the frame written down a client's WebSocket connection.
type wsEvent struct {
	Type     string            `json:"type"`
	Channel  string            `json:"channel"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// client is one locally-connected WebSocket session, the gateway's
// counterpart to the teacher's Cliente.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	sessionID string
	orgID    string
	channels map[string]bool
	mu       sync.RWMutex
}

func newClient(conn *websocket.Conn, sessionID, orgID string) *client {
	return &client{
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
		orgID:     orgID,
		channels:  make(map[string]bool),
	}
}

func (c *client) subscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = true
	}
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

func (c *client) subscribedChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// localHub fans events out to the WebSocket clients connected to this
// process, keyed by organization then channel (the teacher's single
// h.clientes[eventoID] map generalized to two levels because sessions here
// subscribe to arbitrary named channels within their org, not one fixed
// event room).
type localHub struct {
	mu      sync.RWMutex
	byOrg   map[string]map[*client]bool
	log     *logrus.Entry
}

func newLocalHub(log *logrus.Logger) *localHub {
	return &localHub{
		byOrg: make(map[string]map[*client]bool),
		log:   log.WithField("component", "gateway.hub"),
	}
}

// NewHub builds the local fan-out hub. It satisfies router.LocalEventStream
// and is constructed before the Router and Gateway so both can take it as
// a dependency without a construction cycle.
func NewHub(log *logrus.Logger) *localHub {
	return newLocalHub(log)
}

func (h *localHub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byOrg[c.orgID] == nil {
		h.byOrg[c.orgID] = make(map[*client]bool)
	}
	h.byOrg[c.orgID][c] = true
}

func (h *localHub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.byOrg[c.orgID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			close(c.send)
		}
		if len(conns) == 0 {
			delete(h.byOrg, c.orgID)
		}
	}
}

// deliverLocal fans out raw bytes to every client in org subscribed to
// channel.
func (h *localHub) deliverLocal(org, channel string, data []byte) int {
	return h.deliverLocalExcept(org, channel, data, nil)
}

// deliverLocalExcept is deliverLocal with one client skipped, used when a
// publishing client's own connection must not be echoed its own message
// while its local peers still need to see it. Slow clients are dropped
// rather than blocking the hub, the same policy as the teacher's
// distribuirMensaje. Takes the hub's write lock for the whole pass, not
// just a read lock, because a slow client is removed from byOrg in the
// same pass — the same single-writer discipline remove() already follows.
func (h *localHub) deliverLocalExcept(org, channel string, data []byte, except *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for c := range h.byOrg[org] {
		if c == except {
			continue
		}
		if channel != "" && !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			close(c.send)
			delete(h.byOrg[org], c)
		}
	}
	return delivered
}

// PublishEvent implements router.LocalEventStream: it re-injects a
// router-delivered cross-server event into the local fan-out, keyed by the
// org_id/channel carried in the event's metadata.
func (h *localHub) PublishEvent(ctx context.Context, event models.Event, meta map[string]string) error {
	frame := wsEvent{
		Type:     event.Type,
		Channel:  meta["channel"],
		Payload:  json.RawMessage(event.Payload),
		Metadata: meta,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	h.deliverLocal(meta["org_id"], meta["channel"], data)
	return nil
}
