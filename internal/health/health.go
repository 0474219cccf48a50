// Package health is component G: composed health/readiness probes used
// by external load balancers and orchestrators. Grounded on the teacher's
// single gin /health handler (cmd/server/main.go), generalized into the
// composite report and drain lifecycle of spec.md §4.G/§6.3.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
	"github.com/axonfabric/node/internal/resilience"
)

// CheckStatus is the outcome of one probe.
type CheckStatus string

const (
	StatusHealthy  CheckStatus = "healthy"
	StatusDegraded CheckStatus = "degraded"
	StatusUnhealthy CheckStatus = "unhealthy"
)

// Check is one named probe result.
type Check struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Detail  string      `json:"detail,omitempty"`
}

// Report is the composite health output of GET /health/websocket.
type Report struct {
	Status CheckStatus `json:"status"`
	Checks []Check     `json:"checks"`
}

// ConnectionCounter exposes local capacity usage for the WS capacity probe.
type ConnectionCounter interface {
	LocalConnections() int64
}

// MemberLister exposes cluster membership for the member-count probe.
type MemberLister interface {
	GetActiveServers(ctx context.Context) ([]models.Node, error)
}

// Checker composes the probes of spec.md §4.G.
type Checker struct {
	db       *rdb.Gateway
	conns    ConnectionCounter
	members  MemberLister
	breakers *resilience.Breakers
	capacity int64
}

// New builds a Checker.
func New(db *rdb.Gateway, conns ConnectionCounter, members MemberLister, breakers *resilience.Breakers, capacity int64) *Checker {
	return &Checker{db: db, conns: conns, members: members, breakers: breakers, capacity: capacity}
}

func rollup(checks []Check) CheckStatus {
	status := StatusHealthy
	for _, c := range checks {
		if c.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}

// Websocket runs the full composite report: Redis ping latency class,
// local WS capacity class, cluster member count class, router
// reachability (circuit breaker on the router's own publish path).
func (c *Checker) Websocket(ctx context.Context) Report {
	checks := []Check{
		c.redisCheck(ctx),
		c.capacityCheck(),
		c.membershipCheck(ctx),
		c.routerCheck(),
	}
	return Report{Status: rollup(checks), Checks: checks}
}

func (c *Checker) redisCheck(ctx context.Context) Check {
	res := c.db.Ping(ctx)
	if !res.OK {
		return Check{Name: "redis", Status: StatusUnhealthy, Detail: res.Err.Error()}
	}
	switch {
	case res.Latency > 500*time.Millisecond:
		return Check{Name: "redis", Status: StatusDegraded, Detail: res.Latency.String()}
	default:
		return Check{Name: "redis", Status: StatusHealthy, Detail: res.Latency.String()}
	}
}

func (c *Checker) capacityCheck() Check {
	if c.conns == nil || c.capacity <= 0 {
		return Check{Name: "ws_capacity", Status: StatusHealthy}
	}
	used := float64(c.conns.LocalConnections()) / float64(c.capacity)
	switch {
	case used >= 0.95:
		return Check{Name: "ws_capacity", Status: StatusUnhealthy}
	case used >= 0.8:
		return Check{Name: "ws_capacity", Status: StatusDegraded}
	default:
		return Check{Name: "ws_capacity", Status: StatusHealthy}
	}
}

func (c *Checker) membershipCheck(ctx context.Context) Check {
	nodes, err := c.members.GetActiveServers(ctx)
	if err != nil {
		return Check{Name: "cluster_membership", Status: StatusDegraded, Detail: err.Error()}
	}
	if len(nodes) <= 1 {
		return Check{Name: "cluster_membership", Status: StatusDegraded, Detail: "fewer than 2 active nodes"}
	}
	return Check{Name: "cluster_membership", Status: StatusHealthy}
}

func (c *Checker) routerCheck() Check {
	if c.breakers == nil {
		return Check{Name: "router", Status: StatusHealthy}
	}
	switch c.breakers.State("router.publish") {
	case resilience.StateOpen:
		return Check{Name: "router", Status: StatusUnhealthy}
	case resilience.StateHalfOpen:
		return Check{Name: "router", Status: StatusDegraded}
	default:
		return Check{Name: "router", Status: StatusHealthy}
	}
}

// Ready is the boolean conjunction of sub-checks.
func (c *Checker) Ready(ctx context.Context) (bool, Report) {
	r := c.Websocket(ctx)
	return r.Status != StatusUnhealthy, r
}

// Live always succeeds while the process runs.
func (c *Checker) Live() bool { return true }

// DrainController holds this process's draining flag, which the gateway
// consults to reject new sessions. It does not change the node's status
// in the registry and does not start any shutdown timer.
type DrainController struct {
	mu       sync.Mutex
	draining bool
}

// Draining reports whether new sessions should be rejected.
func (d *DrainController) Draining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// Drain sets the draining flag. Nothing else happens here: on a shutdown
// signal cmd/node additionally marks the node draining in the registry,
// waits the full drain timeout and then unregisters; a drain started
// through POST /health/drain only sets this flag.
func (d *DrainController) Drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draining = true
}
