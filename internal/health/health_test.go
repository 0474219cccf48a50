package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
	"github.com/axonfabric/node/internal/resilience"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testGateway(t *testing.T) (*rdb.Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetOutput(discardWriter{})
	return rdb.NewFromClient(client, "axonpuls:", time.Second, log), mr
}

type fakeCounter struct{ n int64 }

func (f fakeCounter) LocalConnections() int64 { return f.n }

type fakeMembers struct {
	nodes []models.Node
	err   error
}

func (f fakeMembers) GetActiveServers(ctx context.Context) ([]models.Node, error) {
	return f.nodes, f.err
}

func TestLiveAlwaysTrue(t *testing.T) {
	db, _ := testGateway(t)
	c := New(db, fakeCounter{}, fakeMembers{}, nil, 0)
	assert.True(t, c.Live())
}

func TestWebsocketReportHealthyWhenEverythingNominal(t *testing.T) {
	db, _ := testGateway(t)
	members := fakeMembers{nodes: []models.Node{{ID: "node-a"}, {ID: "node-b"}}}
	c := New(db, fakeCounter{n: 10}, members, nil, 100)

	report := c.Websocket(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestCapacityCheckDegradesAboveEightyPercent(t *testing.T) {
	db, _ := testGateway(t)
	c := New(db, fakeCounter{n: 85}, fakeMembers{nodes: []models.Node{{}, {}}}, nil, 100)
	check := c.capacityCheck()
	assert.Equal(t, StatusDegraded, check.Status)
}

func TestCapacityCheckUnhealthyAboveNinetyFivePercent(t *testing.T) {
	db, _ := testGateway(t)
	c := New(db, fakeCounter{n: 96}, fakeMembers{nodes: []models.Node{{}, {}}}, nil, 100)
	check := c.capacityCheck()
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestCapacityCheckHealthyWhenNoCapacityConfigured(t *testing.T) {
	db, _ := testGateway(t)
	c := New(db, fakeCounter{n: 1_000_000}, fakeMembers{}, nil, 0)
	check := c.capacityCheck()
	assert.Equal(t, StatusHealthy, check.Status)
}

func TestMembershipCheckDegradedWithFewerThanTwoNodes(t *testing.T) {
	db, _ := testGateway(t)
	c := New(db, fakeCounter{}, fakeMembers{nodes: []models.Node{{ID: "solo"}}}, nil, 0)
	check := c.membershipCheck(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
}

func TestMembershipCheckDegradedOnLookupError(t *testing.T) {
	db, _ := testGateway(t)
	c := New(db, fakeCounter{}, fakeMembers{err: errors.New("redis down")}, nil, 0)
	check := c.membershipCheck(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
}

func TestRouterCheckHealthyWhenNoBreakersConfigured(t *testing.T) {
	db, _ := testGateway(t)
	c := New(db, fakeCounter{}, fakeMembers{}, nil, 0)
	assert.Equal(t, StatusHealthy, c.routerCheck().Status)
}

func TestRouterCheckReflectsBreakerState(t *testing.T) {
	db, _ := testGateway(t)
	breakers := resilience.NewBreakers(nil)
	c := New(db, fakeCounter{}, fakeMembers{}, breakers, 0)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_, _ = breakers.ExecuteWithCircuitBreaker(context.Background(), "router.publish", 5, time.Minute, func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})
	}

	assert.Equal(t, StatusUnhealthy, c.routerCheck().Status)
}

func TestReadyFalseWhenRedisUnreachable(t *testing.T) {
	db, mr := testGateway(t)
	c := New(db, fakeCounter{}, fakeMembers{nodes: []models.Node{{}, {}}}, nil, 0)
	mr.Close()

	ok, report := c.Ready(context.Background())
	assert.False(t, ok)
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestDrainControllerStartsNotDrainingThenDrains(t *testing.T) {
	d := &DrainController{}
	assert.False(t, d.Draining())
	d.Drain()
	assert.True(t, d.Draining())
}
