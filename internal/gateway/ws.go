package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/connmgr"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/resilience"
	"github.com/axonfabric/node/internal/router"
)

// Keepalive timings, the same values and the same write-deadline-on-pong
// pattern as the teacher's internal/ws/hub.go.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
)

// inbound is a client-submitted frame: a subscribe request or an outbound
// event destined for other sessions via the router.
type inbound struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel,omitempty"`
	Targets []string `json:"targets,omitempty"`
	ToUser  string   `json:"to_user,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// session wires one WebSocket connection to the connection manager, router
// and local hub, generalizing the teacher's Cliente.leerMensajes/
// escribirMensajes goroutine pair.
type session struct {
	id      string
	orgID   string
	userID  string
	client  *client
	hub     *localHub
	conns   *connmgr.Manager
	r       *router.Router
	breaker *resilience.Breakers
	log     *logrus.Entry
}

func (s *session) run(ctx context.Context) {
	go s.writePump()
	s.readPump(ctx)
}

func (s *session) readPump(ctx context.Context) {
	defer func() {
		s.hub.remove(s.client)
		_ = s.conns.Unregister(ctx, s.id)
		s.client.conn.Close()
	}()

	s.client.conn.SetReadLimit(maxMessageSize)
	_ = s.client.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.client.conn.SetPongHandler(func(string) error {
		return s.client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Warn("websocket read error")
			}
			return
		}
		_ = s.conns.Touch(ctx, s.id, s.client.subscribedChannels())

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.WithError(err).Debug("dropping malformed client frame")
			continue
		}
		s.handleInbound(ctx, msg)
	}
}

func (s *session) handleInbound(ctx context.Context, msg inbound) {
	switch msg.Type {
	case "subscribe":
		s.client.subscribe([]string{msg.Channel})
		_ = s.conns.Touch(ctx, s.id, s.client.subscribedChannels())
	case "publish":
		event := models.Event{ID: clockid.IDs{}.New(), Type: "message", Payload: msg.Payload}
		s.deliverLocally(msg, event)
		s.publishWithBreaker(ctx, msg, event)
	default:
		s.log.WithField("type", msg.Type).Debug("unrecognized client frame type")
	}
}

// deliverLocally fans a published event out to every other locally
// connected client sharing the sender's org/channel, independent of the
// cross-server dispatch in publishWithBreaker. Router.handleEnvelope drops
// any envelope this node originated (no-self-loop), so without this call
// two clients connected to the same node could never reach each other.
// The publishing client itself is excluded since it already has its own
// copy of what it sent.
func (s *session) deliverLocally(msg inbound, event models.Event) {
	frame := wsEvent{
		Type:    event.Type,
		Channel: msg.Channel,
		Payload: json.RawMessage(event.Payload),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode local fan-out frame")
		return
	}
	s.hub.deliverLocalExcept(s.orgID, msg.Channel, data, s.client)
}

// publishWithBreaker routes an outbound event through the circuit breaker
// guarding the cross-server path, using the same breaker id health.Checker
// inspects ("router.publish") so an open breaker is visible on /health.
func (s *session) publishWithBreaker(ctx context.Context, msg inbound, event models.Event) {
	_, err := s.breaker.ExecuteWithCircuitBreaker(ctx, "router.publish", 0, 0, func(ctx context.Context) (interface{}, error) {
		switch {
		case msg.ToUser != "":
			return s.r.UnicastToUser(ctx, msg.ToUser, s.orgID, msg.Channel, event)
		case len(msg.Targets) > 0:
			return s.r.Multicast(ctx, msg.Targets, s.orgID, msg.Channel, event)
		default:
			return s.r.Broadcast(ctx, s.orgID, msg.Channel, event, true)
		}
	})
	if err != nil {
		s.log.WithError(err).Warn("cross-server publish failed")
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.client.send:
			_ = s.client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
