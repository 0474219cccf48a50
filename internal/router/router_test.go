package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
)

func testGateway(t *testing.T) *rdb.Gateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetOutput(logrusDiscard{})
	return rdb.NewFromClient(client, "axonpuls:", time.Second, log)
}

type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

type fakeServers struct {
	nodes []models.Node
}

func (f *fakeServers) GetActiveServers(ctx context.Context) ([]models.Node, error) {
	return f.nodes, nil
}

type fakeConnLookup struct {
	mu    sync.Mutex
	byUser map[string]string
}

func (f *fakeConnLookup) FindUserServer(ctx context.Context, org, user string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.byUser[org+":"+user]
	return node, ok, nil
}

type fakeStream struct {
	mu       sync.Mutex
	events   []models.Event
	metas    []map[string]string
}

func (f *fakeStream) PublishEvent(ctx context.Context, event models.Event, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.metas = append(f.metas, meta)
	return nil
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestRouter(t *testing.T, db *rdb.Gateway, nodeID string, conn ConnLookup, servers ActiveServers, stream LocalEventStream) *Router {
	t.Helper()
	log := logrus.New()
	log.SetOutput(logrusDiscard{})
	return New(db, clockid.SystemClock{}, nodeID, conn, servers, stream, Options{MessageTTL: time.Minute}, log)
}

func TestBroadcastReturnsEmptyWhenNoEligibleTargets(t *testing.T) {
	db := testGateway(t)
	servers := &fakeServers{nodes: []models.Node{{ID: "node-a"}}}
	r := newTestRouter(t, db, "node-a", nil, servers, &fakeStream{})

	id, err := r.Broadcast(context.Background(), "org1", "chan1", models.Event{Type: "message"}, true)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestBroadcastExcludesSelfWhenRequested(t *testing.T) {
	db := testGateway(t)
	servers := &fakeServers{nodes: []models.Node{{ID: "node-a"}, {ID: "node-b"}}}
	r := newTestRouter(t, db, "node-a", nil, servers, &fakeStream{})

	id, err := r.Broadcast(context.Background(), "org1", "chan1", models.Event{Type: "message"}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestUnicastToUserReturnsEmptyWhenUserNotConnected(t *testing.T) {
	db := testGateway(t)
	conn := &fakeConnLookup{byUser: map[string]string{}}
	r := newTestRouter(t, db, "node-a", conn, &fakeServers{}, &fakeStream{})

	id, err := r.UnicastToUser(context.Background(), "alice", "org1", "chan1", models.Event{Type: "message"})
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestHandleEnvelopeSkipsSelfOriginatedMessages(t *testing.T) {
	db := testGateway(t)
	stream := &fakeStream{}
	r := newTestRouter(t, db, "node-a", nil, &fakeServers{}, stream)

	msg := models.CrossServerMessage{ID: "msg-1", SourceNode: "node-a", Event: models.Event{Type: "message"}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	r.handleEnvelope(context.Background(), data)
	assert.Equal(t, 0, stream.count())
}

func TestHandleEnvelopeDeliversForeignMessage(t *testing.T) {
	db := testGateway(t)
	stream := &fakeStream{}
	r := newTestRouter(t, db, "node-a", nil, &fakeServers{}, stream)

	msg := models.CrossServerMessage{ID: "msg-1", SourceNode: "node-b", OrgID: "org1", Channel: "chan1", Event: models.Event{Type: "message"}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	r.handleEnvelope(context.Background(), data)
	require.Equal(t, 1, stream.count())
	assert.Equal(t, "org1", stream.metas[0]["org_id"])
	assert.Equal(t, "node-b", stream.metas[0]["source_node"])
}

func TestHandleEnvelopeDropsDuplicateMessageID(t *testing.T) {
	db := testGateway(t)
	stream := &fakeStream{}
	r := newTestRouter(t, db, "node-a", nil, &fakeServers{}, stream)

	msg := models.CrossServerMessage{ID: "msg-dup", SourceNode: "node-b", Event: models.Event{Type: "message"}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	r.handleEnvelope(context.Background(), data)
	r.handleEnvelope(context.Background(), data)
	assert.Equal(t, 1, stream.count())
}

func TestHandleEnvelopeIgnoresMessageNotAddressedToThisNode(t *testing.T) {
	db := testGateway(t)
	stream := &fakeStream{}
	r := newTestRouter(t, db, "node-a", nil, &fakeServers{}, stream)

	msg := models.CrossServerMessage{ID: "msg-1", SourceNode: "node-b", TargetNodes: []string{"node-c"}, Event: models.Event{Type: "message"}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	r.handleEnvelope(context.Background(), data)
	assert.Equal(t, 0, stream.count())
}

func TestCacheSizeGrowsAsMessagesAreSeen(t *testing.T) {
	db := testGateway(t)
	r := newTestRouter(t, db, "node-a", nil, &fakeServers{}, &fakeStream{})
	assert.Equal(t, 0, r.CacheSize())

	r.cache.seenOrAdd("m1")
	r.cache.seenOrAdd("m2")
	assert.Equal(t, 2, r.CacheSize())
}

func TestDeliveryStatusAccumulatesAcks(t *testing.T) {
	db := testGateway(t)
	r := newTestRouter(t, db, "node-a", nil, &fakeServers{}, &fakeStream{})

	ack := models.Ack{MessageID: "msg-1", Node: "node-b", Status: models.AckDelivered, Timestamp: time.Now()}
	data, err := json.Marshal(ack)
	require.NoError(t, err)

	r.handleAck(data)
	records := r.DeliveryStatus("msg-1")
	require.Len(t, records, 1)
	assert.Equal(t, models.AckDelivered, records[0].Status)
}
