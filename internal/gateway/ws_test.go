package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
	"github.com/axonfabric/node/internal/resilience"
	"github.com/axonfabric/node/internal/router"
)

func testWSGateway(t *testing.T) *rdb.Gateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb.NewFromClient(client, "axonpuls:", time.Second, testLogger())
}

// newTestSession builds a session wired against a real (miniredis-backed)
// router and breaker set, the same local fan-out hub the gateway
// constructs in production, and no other connected node — exercising
// exactly the single-node case the review found broken.
func newTestSession(t *testing.T, hub *localHub, orgID string, c *client) *session {
	t.Helper()
	db := testWSGateway(t)
	clock := clockid.SystemClock{}
	rtr := router.New(db, clock, "node-a", nil, &singleNodeServers{}, hub, router.Options{MessageTTL: time.Minute}, testLogger())
	return &session{
		id:      c.sessionID,
		orgID:   orgID,
		client:  c,
		hub:     hub,
		r:       rtr,
		breaker: resilience.NewBreakers(nil),
		log:     testLogger().WithField("component", "gateway.session_test"),
	}
}

type singleNodeServers struct{}

func (singleNodeServers) GetActiveServers(ctx context.Context) ([]models.Node, error) {
	return []models.Node{{ID: "node-a"}}, nil
}

func TestHandleInboundPublishDeliversToOtherLocalClientsInSameOrgAndChannel(t *testing.T) {
	hub := NewHub(testLogger())

	sender := newClient(nil, "sess-sender", "org-1")
	sender.subscribe([]string{"room-a"})
	hub.add(sender)

	peer := newClient(nil, "sess-peer", "org-1")
	peer.subscribe([]string{"room-a"})
	hub.add(peer)

	s := newTestSession(t, hub, "org-1", sender)

	s.handleInbound(context.Background(), inbound{
		Type:    "publish",
		Channel: "room-a",
		Payload: json.RawMessage(`{"text":"hello"}`),
	})

	select {
	case data := <-peer.send:
		var frame wsEvent
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "room-a", frame.Channel)
	default:
		t.Fatal("expected peer to receive the locally published message")
	}
}

func TestHandleInboundPublishDoesNotEchoBackToSender(t *testing.T) {
	hub := NewHub(testLogger())

	sender := newClient(nil, "sess-sender", "org-1")
	sender.subscribe([]string{"room-a"})
	hub.add(sender)

	s := newTestSession(t, hub, "org-1", sender)

	s.handleInbound(context.Background(), inbound{
		Type:    "publish",
		Channel: "room-a",
		Payload: json.RawMessage(`{"text":"hello"}`),
	})

	select {
	case <-sender.send:
		t.Fatal("sender should not receive its own published message back")
	default:
	}
}

func TestHandleInboundPublishSkipsClientsInDifferentOrg(t *testing.T) {
	hub := NewHub(testLogger())

	sender := newClient(nil, "sess-sender", "org-1")
	sender.subscribe([]string{"room-a"})
	hub.add(sender)

	other := newClient(nil, "sess-other", "org-2")
	other.subscribe([]string{"room-a"})
	hub.add(other)

	s := newTestSession(t, hub, "org-1", sender)

	s.handleInbound(context.Background(), inbound{
		Type:    "publish",
		Channel: "room-a",
		Payload: json.RawMessage(`{"text":"hello"}`),
	})

	select {
	case <-other.send:
		t.Fatal("client in a different org must not receive the message")
	default:
	}
}
