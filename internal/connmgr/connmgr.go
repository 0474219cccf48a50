// Package connmgr is component E: the cluster-wide index of open
// WebSocket sessions keyed by session, user, organization and hosting
// server, driving load balancing and stale-connection cleanup. Grounded
// on the teacher's internal/ws/hub.go client map (h.clientes) generalized
// from a single process's in-memory map to the Redis-backed cluster index
// of spec.md §4.E, and on other_examples' arkeep-io connection-manager.go
// and rishabhverma17-HyperCache cluster-interfaces.go for the
// register/unregister/touch/list-by shape of a clustered session index.
package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/kinderr"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
	"github.com/axonfabric/node/internal/router"
)

func connectionKey(sid string) string       { return "connections:" + sid }
func serverConnKey(node string) string      { return "server-connections:" + node }
func orgConnKey(org string) string          { return "org-connections:" + org }
func userServerKey(org, user string) string { return "user-server:" + org + ":" + user }
func migrationKey(sid string) string        { return "migrations:" + sid }

// ServerLookup is the subset of the Server Registry the manager needs:
// active membership and single-node look-up.
type ServerLookup interface {
	GetActiveServers(ctx context.Context) ([]models.Node, error)
	GetServerByID(ctx context.Context, id string) (*models.Node, error)
}

// MetricsSink lets the manager push its reconciled connection count back
// to this node's registry record without recomputing it from scratch on
// every event (spec.md §9 Open Question on update_server_connection_count).
type MetricsSink interface {
	SetConnectionCount(n int64)
}

// Options configures a Manager.
type Options struct {
	ConnectionTTL        time.Duration
	CleanupInterval      time.Duration
	LoadBalanceThreshold float64
	LoadBalanceInterval  time.Duration
	MigrationTTL         time.Duration
}

// Manager is the Distributed Connection Manager.
type Manager struct {
	db       *rdb.Gateway
	clock    clockid.Clock
	ids      clockid.IDs
	nodeID   string
	servers  ServerLookup
	metrics  MetricsSink
	router   *router.Router
	log      *logrus.Entry

	opts Options

	localCount atomic.Int64

	cleanupCron *cron.Cron
	lbCron      *cron.Cron
}

// New builds a Manager for this node.
func New(db *rdb.Gateway, clock clockid.Clock, nodeID string, servers ServerLookup, metrics MetricsSink, rtr *router.Router, opts Options, log *logrus.Logger) *Manager {
	return &Manager{
		db:      db,
		clock:   clock,
		nodeID:  nodeID,
		servers: servers,
		metrics: metrics,
		router:  rtr,
		opts:    opts,
		log:     log.WithField("component", "connmgr"),
	}
}

// Register writes the session record and its derived index entries
// (spec.md §4.E register()).
func (m *Manager) Register(ctx context.Context, s models.Session) error {
	s.NodeID = m.nodeID
	if s.Status == "" {
		s.Status = models.SessionConnected
	}
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = m.clock.Now()
	}
	s.LastActivity = m.clock.Now()

	if err := m.db.SetJSON(ctx, m.db.Key(connectionKey(s.ID)), s, m.opts.ConnectionTTL); err != nil {
		return err
	}
	if err := m.db.SAdd(ctx, m.db.Key(serverConnKey(s.NodeID)), s.ID); err != nil {
		return err
	}
	if err := m.db.SAdd(ctx, m.db.Key(orgConnKey(s.OrgID)), s.ID); err != nil {
		return err
	}
	if s.UserID != "" {
		if err := m.db.Set(ctx, m.db.Key(userServerKey(s.OrgID, s.UserID)), s.NodeID, m.opts.ConnectionTTL); err != nil {
			return err
		}
	}

	n := m.localCount.Add(1)
	m.metrics.SetConnectionCount(n)
	return nil
}

// Unregister removes the session key and all derived index entries. It is
// idempotent: unregistering an already-absent session is a no-op.
func (m *Manager) Unregister(ctx context.Context, sid string) error {
	s, err := m.Get(ctx, sid)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	if err := m.db.Del(ctx, m.db.Key(connectionKey(sid))); err != nil {
		return err
	}
	if err := m.db.SRem(ctx, m.db.Key(serverConnKey(s.NodeID)), sid); err != nil {
		return err
	}
	if err := m.db.SRem(ctx, m.db.Key(orgConnKey(s.OrgID)), sid); err != nil {
		return err
	}
	if s.UserID != "" {
		// Only clear the user→node pointer if it still points at this
		// node; a newer session for the same user elsewhere must win.
		if val, ok, err := m.db.Get(ctx, m.db.Key(userServerKey(s.OrgID, s.UserID))); err == nil && ok && val == s.NodeID {
			_ = m.db.Del(ctx, m.db.Key(userServerKey(s.OrgID, s.UserID)))
		}
	}

	if s.NodeID == m.nodeID {
		n := m.localCount.Add(-1)
		if n < 0 {
			n = 0
			m.localCount.Store(0)
		}
		m.metrics.SetConnectionCount(n)
	}
	return nil
}

// LocalConnections reports this node's live session count, satisfying
// health.ConnectionCounter.
func (m *Manager) LocalConnections() int64 { return m.localCount.Load() }

// Touch refreshes last_activity, optionally updates channel subscriptions,
// and refreshes the session's TTL. It is a silent no-op if the session is
// missing (spec.md §4.E touch()).
func (m *Manager) Touch(ctx context.Context, sid string, channels []string) error {
	s, err := m.Get(ctx, sid)
	if err != nil || s == nil {
		return err
	}
	s.LastActivity = m.clock.Now()
	if channels != nil {
		s.Channels = channels
	}
	if err := m.db.SetJSON(ctx, m.db.Key(connectionKey(sid)), *s, m.opts.ConnectionTTL); err != nil {
		return err
	}
	if s.UserID != "" {
		if err := m.db.Expire(ctx, m.db.Key(userServerKey(s.OrgID, s.UserID)), m.opts.ConnectionTTL); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the session record, or nil if missing.
func (m *Manager) Get(ctx context.Context, sid string) (*models.Session, error) {
	var s models.Session
	ok, err := m.db.GetJSON(ctx, m.db.Key(connectionKey(sid)), &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// ListByServer hydrates every session id in server-connections:{node};
// missing hydrations are treated as tombstones and pruned.
func (m *Manager) ListByServer(ctx context.Context, node string) ([]models.Session, error) {
	return m.listBySet(ctx, m.db.Key(serverConnKey(node)))
}

// ListByOrg hydrates every session id in org-connections:{org}.
func (m *Manager) ListByOrg(ctx context.Context, org string) ([]models.Session, error) {
	return m.listBySet(ctx, m.db.Key(orgConnKey(org)))
}

func (m *Manager) listBySet(ctx context.Context, setKey string) ([]models.Session, error) {
	ids, err := m.db.SMembers(ctx, setKey)
	if err != nil {
		return nil, err
	}

	var sessions []models.Session
	var tombstones []interface{}
	for _, id := range ids {
		var s models.Session
		ok, err := m.db.GetJSON(ctx, m.db.Key(connectionKey(id)), &s)
		if err != nil {
			m.log.WithError(err).WithField("session_id", id).Warn("failed hydrating session record")
			continue
		}
		if !ok {
			tombstones = append(tombstones, id)
			continue
		}
		sessions = append(sessions, s)
	}

	if len(tombstones) > 0 {
		if err := m.db.SRem(ctx, setKey, tombstones...); err != nil {
			m.log.WithError(err).Warn("failed pruning tombstoned session ids")
		}
	}

	return sessions, nil
}

// FindUserServer returns the hosting node id iff the mapping is present
// and that node is currently active.
func (m *Manager) FindUserServer(ctx context.Context, org, user string) (string, bool, error) {
	node, ok, err := m.db.Get(ctx, m.db.Key(userServerKey(org, user)))
	if err != nil || !ok {
		return "", false, err
	}
	n, err := m.servers.GetServerByID(ctx, node)
	if err != nil {
		return "", false, err
	}
	if n == nil || n.Status == models.NodeUnhealthy {
		return "", false, nil
	}
	return node, true, nil
}

// GetLoadMetrics produces a per-node load report sorted ascending by load
// percent, reading the registry's reconciled connection counters rather
// than recomputing them (spec.md §9 Open Question).
func (m *Manager) GetLoadMetrics(ctx context.Context) ([]models.LoadMetric, error) {
	nodes, err := m.servers.GetActiveServers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.LoadMetric, 0, len(nodes))
	for _, n := range nodes {
		var pct float64
		if n.Capacity > 0 {
			pct = float64(n.Metrics.Connections) / float64(n.Capacity)
		}
		out = append(out, models.LoadMetric{
			Node:        n.ID,
			Connections: n.Metrics.Connections,
			Max:         n.Capacity,
			LoadPercent: pct,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LoadPercent < out[j].LoadPercent })
	return out, nil
}

// Migrate creates a migration record and signals the target node via the
// router, carrying the full session descriptor. It returns false if the
// session does not exist.
func (m *Manager) Migrate(ctx context.Context, sid, target string) (bool, error) {
	s, err := m.Get(ctx, sid)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}

	rec := models.Migration{
		SessionID:  sid,
		SourceNode: s.NodeID,
		TargetNode: target,
		Status:     models.MigrationPending,
		StartedAt:  m.clock.Now(),
	}
	if err := m.db.SetJSON(ctx, m.db.Key(migrationKey(sid)), rec, m.opts.MigrationTTL); err != nil {
		return false, err
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return false, kinderr.New(kinderr.Protocol, "connmgr.Migrate", err)
	}

	event := models.Event{
		ID:      m.ids.New(),
		Type:    "connection_migration_request",
		Payload: payload,
	}

	if _, err := m.router.Multicast(ctx, []string{target}, s.OrgID, fmt.Sprintf("org:%s:migration", s.OrgID), event); err != nil {
		return false, err
	}

	return true, nil
}

// StartCleanup begins the periodic stale-connection sweep (spec.md §4.E).
func (m *Manager) StartCleanup(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", m.opts.CleanupInterval), func() {
		m.sweepStale(ctx)
	})
	if err != nil {
		return kinderr.New(kinderr.Fatal, "connmgr.StartCleanup", err)
	}
	m.cleanupCron = c
	c.Start()
	return nil
}

// StartLoadBalance begins the periodic rebalancing tick (spec.md §4.E).
func (m *Manager) StartLoadBalance(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", m.opts.LoadBalanceInterval), func() {
		m.rebalance(ctx)
	})
	if err != nil {
		return kinderr.New(kinderr.Fatal, "connmgr.StartLoadBalance", err)
	}
	m.lbCron = c
	c.Start()
	return nil
}

// StopBackground halts both periodic tasks (used during drain).
func (m *Manager) StopBackground() {
	if m.cleanupCron != nil {
		<-m.cleanupCron.Stop().Done()
	}
	if m.lbCron != nil {
		<-m.lbCron.Stop().Done()
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	nodes, err := m.servers.GetActiveServers(ctx)
	if err != nil {
		m.log.WithError(err).Warn("cleanup: failed listing active servers")
		return
	}

	cutoff := m.clock.Now().Add(-m.opts.ConnectionTTL)
	for _, n := range nodes {
		sessions, err := m.ListByServer(ctx, n.ID)
		if err != nil {
			m.log.WithError(err).WithField("node_id", n.ID).Warn("cleanup: failed listing sessions")
			continue
		}

		removed := 0
		for _, s := range sessions {
			if s.LastActivity.Before(cutoff) {
				if err := m.Unregister(ctx, s.ID); err != nil {
					m.log.WithError(err).WithField("session_id", s.ID).Warn("cleanup: failed unregistering stale session")
					continue
				}
				removed++
			}
		}

		if n.ID == m.nodeID {
			count, err := m.db.Client().SCard(ctx, m.db.Key(serverConnKey(n.ID))).Result()
			if err == nil {
				m.localCount.Store(count)
				m.metrics.SetConnectionCount(count)
			}
		}

		if removed > 0 {
			m.log.WithField("node_id", n.ID).WithField("removed", removed).Info("cleanup: swept stale sessions")
		}
	}
}

func (m *Manager) rebalance(ctx context.Context) {
	metrics, err := m.GetLoadMetrics(ctx)
	if err != nil {
		m.log.WithError(err).Warn("load-balance: failed computing metrics")
		return
	}

	threshold := m.opts.LoadBalanceThreshold
	if threshold <= 0 {
		threshold = 0.8
	}

	var overloaded, underloaded []models.LoadMetric
	for _, lm := range metrics {
		switch {
		case lm.LoadPercent > threshold:
			overloaded = append(overloaded, lm)
		case lm.LoadPercent < threshold*0.5:
			underloaded = append(underloaded, lm)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return
	}

	targetIdx := 0
	for _, src := range overloaded {
		target := underloaded[targetIdx%len(underloaded)]
		targetIdx++

		headroom := target.Max - target.Connections
		if headroom <= 0 {
			continue
		}
		candidateCount := int64(float64(src.Connections) * 0.1)
		if candidateCount > headroom {
			candidateCount = headroom
		}
		if candidateCount <= 0 {
			continue
		}

		sessions, err := m.ListByServer(ctx, src.Node)
		if err != nil {
			m.log.WithError(err).WithField("node_id", src.Node).Warn("load-balance: failed listing sessions")
			continue
		}

		migrated := int64(0)
		for _, s := range sessions {
			if migrated >= candidateCount {
				break
			}
			if ok, err := m.Migrate(ctx, s.ID, target.Node); err != nil {
				m.log.WithError(err).WithField("session_id", s.ID).Warn("load-balance: migrate failed")
			} else if ok {
				migrated++
			}
		}

		if migrated > 0 {
			m.log.WithField("source", src.Node).WithField("target", target.Node).WithField("count", migrated).Info("load-balance: initiated migrations")
		}
	}
}
