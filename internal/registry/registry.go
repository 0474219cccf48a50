// Package registry is component D: the TTL-bounded fleet membership list.
// Grounded on the teacher's internal/db/db.go Redis-connect idiom and
// other_examples' aceteam-ai-citadel-cli heartbeat-redis.go (periodic
// TTL-refresh heartbeat pattern), generalized to the Node record and
// operations of spec.md §4.D.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/kinderr"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
)

const indexKey = "servers:index"

func serverKey(id string) string { return "servers:" + id }

// Registry maintains this node's descriptor in Redis and provides
// cluster-membership look-ups used by the connection manager and router.
type Registry struct {
	db    *rdb.Gateway
	clock clockid.Clock
	log   *logrus.Entry

	nodeID        string
	heartbeatTTL  time.Duration
	heartbeatPeriod time.Duration

	mu       sync.Mutex
	metrics  models.NodeMetrics
	descrip  models.Node

	cron   *cron.Cron
	cronID cron.EntryID
}

// Descriptor is the immutable-per-process part of a Node record.
type Descriptor struct {
	NodeID   string
	Address  string
	Version  string
	Region   string
	Capacity int64
}

// New builds a Registry for this process. It does not register until
// Register is called.
func New(db *rdb.Gateway, clock clockid.Clock, desc Descriptor, heartbeatPeriod, heartbeatTTL time.Duration, log *logrus.Logger) *Registry {
	if heartbeatTTL <= 2*heartbeatPeriod {
		heartbeatTTL = 3 * heartbeatPeriod
	}
	return &Registry{
		db:              db,
		clock:           clock,
		log:             log.WithField("component", "registry"),
		nodeID:          desc.NodeID,
		heartbeatTTL:    heartbeatTTL,
		heartbeatPeriod: heartbeatPeriod,
		descrip: models.Node{
			ID:       desc.NodeID,
			Address:  desc.Address,
			Version:  desc.Version,
			Region:   desc.Region,
			Capacity: desc.Capacity,
			Status:   models.NodeActive,
		},
	}
}

// NodeID returns this process's stable identity.
func (r *Registry) NodeID() string { return r.nodeID }

func (r *Registry) snapshot() models.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.descrip
	n.Metrics = r.metrics
	n.Heartbeat = r.clock.Now()
	return n
}

// Register writes the initial servers:{id} record with TTL heartbeatTTL
// and adds the node to servers:index (spec.md §4.D register()).
func (r *Registry) Register(ctx context.Context) error {
	node := r.snapshot()
	if err := r.db.SetJSON(ctx, r.db.Key(serverKey(r.nodeID)), node, r.heartbeatTTL); err != nil {
		return err
	}
	if err := r.db.SAdd(ctx, r.db.Key(indexKey), r.nodeID); err != nil {
		return err
	}
	r.log.WithField("node_id", r.nodeID).Info("registered with cluster")
	return nil
}

// StartHeartbeat begins a periodic task that refreshes this node's record
// and TTL every heartbeatPeriod, matching spec.md's named
// HEARTBEAT_PERIOD/HEARTBEAT_TTL relationship.
func (r *Registry) StartHeartbeat(ctx context.Context) error {
	c := cron.New()
	id, err := c.AddFunc(fmt.Sprintf("@every %s", r.heartbeatPeriod), func() {
		if err := r.Heartbeat(ctx); err != nil {
			r.log.WithError(err).Warn("heartbeat refresh failed")
		}
	})
	if err != nil {
		return kinderr.New(kinderr.Fatal, "registry.StartHeartbeat", err)
	}
	r.cron = c
	r.cronID = id
	c.Start()
	return nil
}

// StopHeartbeat halts the periodic refresh task (used during drain).
func (r *Registry) StopHeartbeat() {
	if r.cron != nil {
		r.cron.Remove(r.cronID)
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// Heartbeat refreshes this node's record and TTL.
func (r *Registry) Heartbeat(ctx context.Context) error {
	node := r.snapshot()
	return r.db.SetJSON(ctx, r.db.Key(serverKey(r.nodeID)), node, r.heartbeatTTL)
}

// UpdateMetrics merges delta fields into the in-memory record; the next
// heartbeat tick publishes them, matching spec.md §9's allowance to track a
// counter and reconcile periodically rather than recompute on every event.
// A zero-value field in delta means "no update for this field" and leaves
// the current value in place, rather than clobbering it.
func (r *Registry) UpdateMetrics(delta models.NodeMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if delta.Connections != 0 {
		r.metrics.Connections = delta.Connections
	}
	if delta.AvgLatencyMs != 0 {
		r.metrics.AvgLatencyMs = delta.AvgLatencyMs
	}
	if delta.MessagesPerSec != 0 {
		r.metrics.MessagesPerSec = delta.MessagesPerSec
	}
}

// SetConnectionCount updates only the connection counter, the hot path
// called on every register/unregister in connmgr.
func (r *Registry) SetConnectionCount(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.Connections = n
}

// GetActiveServers reads the membership index, hydrates each record, and
// filters to nodes whose TTL is present and whose status is active or
// draining (spec.md §4.D get_active_servers()).
func (r *Registry) GetActiveServers(ctx context.Context) ([]models.Node, error) {
	ids, err := r.db.SMembers(ctx, r.db.Key(indexKey))
	if err != nil {
		return nil, err
	}

	var stale []string
	var nodes []models.Node
	for _, id := range ids {
		var n models.Node
		ok, err := r.db.GetJSON(ctx, r.db.Key(serverKey(id)), &n)
		if err != nil {
			r.log.WithError(err).WithField("node_id", id).Warn("failed hydrating server record")
			continue
		}
		if !ok {
			stale = append(stale, id)
			continue
		}
		if n.Status == models.NodeActive || n.Status == models.NodeDraining {
			nodes = append(nodes, n)
		}
	}

	if len(stale) > 0 {
		ifaces := make([]interface{}, len(stale))
		for i, s := range stale {
			ifaces[i] = s
		}
		if err := r.db.SRem(ctx, r.db.Key(indexKey), ifaces...); err != nil {
			r.log.WithError(err).Warn("failed pruning stale index entries")
		}
	}

	return nodes, nil
}

// GetServerByID hydrates a single node record, or (nil, nil) if absent.
func (r *Registry) GetServerByID(ctx context.Context, id string) (*models.Node, error) {
	var n models.Node
	ok, err := r.db.GetJSON(ctx, r.db.Key(serverKey(id)), &n)
	if err != nil || !ok {
		return nil, err
	}
	return &n, nil
}

// SetDraining flips this node's status so load-balancing and new-session
// routing steer away from it, without removing it from the index (used
// for graceful shutdown per spec.md §5).
func (r *Registry) SetDraining(ctx context.Context) error {
	r.mu.Lock()
	r.descrip.Status = models.NodeDraining
	r.mu.Unlock()
	return r.Heartbeat(ctx)
}

// Unregister removes this node's record and index entry (explicit
// shutdown path; TTL expiry is the implicit one).
func (r *Registry) Unregister(ctx context.Context) error {
	if err := r.db.Del(ctx, r.db.Key(serverKey(r.nodeID))); err != nil {
		return err
	}
	if err := r.db.SRem(ctx, r.db.Key(indexKey), r.nodeID); err != nil {
		return err
	}
	r.log.WithField("node_id", r.nodeID).Info("unregistered from cluster")
	return nil
}
