package registry

import (
	"context"
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

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(discardWriter{})
	return log
}

func testGateway(t *testing.T) *rdb.Gateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb.NewFromClient(client, "axonpuls:", time.Second, testLogger())
}

func TestRegisterAddsToIndexAndHydratesRecord(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a", Capacity: 100}, time.Second, 3*time.Second, testLogger())

	require.NoError(t, r.Register(context.Background()))

	n, err := r.GetServerByID(context.Background(), "node-a")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, models.NodeActive, n.Status)
}

func TestHeartbeatTTLDefaultsToTriplePeriodWhenTooShort(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, 10*time.Second, time.Second, testLogger())
	assert.Equal(t, 30*time.Second, r.heartbeatTTL)
}

func TestGetActiveServersIncludesDrainingNodes(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	require.NoError(t, r.Register(context.Background()))
	require.NoError(t, r.SetDraining(context.Background()))

	nodes, err := r.GetActiveServers(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, models.NodeDraining, nodes[0].Status)
}

func TestGetActiveServersExcludesUnhealthyNodes(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	require.NoError(t, r.Register(context.Background()))

	r.mu.Lock()
	r.descrip.Status = models.NodeUnhealthy
	r.mu.Unlock()
	require.NoError(t, r.Heartbeat(context.Background()))

	nodes, err := r.GetActiveServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestGetActiveServersPrunesExpiredIndexEntries(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	require.NoError(t, r.Register(context.Background()))

	// simulate TTL expiry racing ahead of index cleanup by deleting the
	// record directly while leaving the index entry dangling.
	require.NoError(t, db.Del(context.Background(), db.Key("servers:node-a")))

	nodes, err := r.GetActiveServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)

	members, err := db.SMembers(context.Background(), db.Key("servers:index"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestUpdateMetricsAppliesOnNextHeartbeat(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	require.NoError(t, r.Register(context.Background()))

	r.UpdateMetrics(models.NodeMetrics{Connections: 42})
	require.NoError(t, r.Heartbeat(context.Background()))

	n, err := r.GetServerByID(context.Background(), "node-a")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, int64(42), n.Metrics.Connections)
}

func TestSetConnectionCountIsIndependentOfUpdateMetrics(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	require.NoError(t, r.Register(context.Background()))

	r.UpdateMetrics(models.NodeMetrics{AvgLatencyMs: 12.5})
	r.SetConnectionCount(7)
	require.NoError(t, r.Heartbeat(context.Background()))

	n, err := r.GetServerByID(context.Background(), "node-a")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, int64(7), n.Metrics.Connections)
	assert.Equal(t, 12.5, n.Metrics.AvgLatencyMs)
}

func TestUpdateMetricsMergesFieldsWithoutClobberingExistingOnes(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	require.NoError(t, r.Register(context.Background()))

	r.UpdateMetrics(models.NodeMetrics{Connections: 10, AvgLatencyMs: 5})
	r.UpdateMetrics(models.NodeMetrics{MessagesPerSec: 3.5})
	require.NoError(t, r.Heartbeat(context.Background()))

	n, err := r.GetServerByID(context.Background(), "node-a")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, int64(10), n.Metrics.Connections)
	assert.Equal(t, 5.0, n.Metrics.AvgLatencyMs)
	assert.Equal(t, 3.5, n.Metrics.MessagesPerSec)
}

func TestUnregisterRemovesRecordAndIndexEntry(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	require.NoError(t, r.Register(context.Background()))
	require.NoError(t, r.Unregister(context.Background()))

	n, err := r.GetServerByID(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Nil(t, n)

	nodes, err := r.GetActiveServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestNodeIDReturnsDescriptorID(t *testing.T) {
	db := testGateway(t)
	clock := clockid.NewFakeClock(time.Now())
	r := New(db, clock, Descriptor{NodeID: "node-a"}, time.Second, 3*time.Second, testLogger())
	assert.Equal(t, "node-a", r.NodeID())
}
