// Package router is component F: addressed (broadcast/multicast/unicast)
// cross-server message delivery over a shared Redis pub/sub channel, with
// duplicate suppression, acknowledgment, and local re-injection. Grounded
// on the teacher's internal/ws/hub.go (PublicarEvento/suscribirRedis/
// distribuirMensaje: publish-then-PSubscribe-then-fan-out-locally), scaled
// from the teacher's per-event-id channel pattern to the single shared
// cross-server channel of spec.md §6.1.
package router

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
	"github.com/axonfabric/node/internal/resilience"
)

const (
	eventsChannel = "cross-server:events"
	ackChannelPfx = "cross-server:ack:"
	messageKeyPfx = "cross-server:messages:"
)

// ConnLookup is the subset of the Distributed Connection Manager the
// router needs: resolving a user's hosting node. Active nodes come from
// ActiveServers.
// Defined at point of use so router and connmgr do not import each other.
type ConnLookup interface {
	FindUserServer(ctx context.Context, org, user string) (string, bool, error)
}

// ActiveServers resolves cluster membership for broadcast addressing.
type ActiveServers interface {
	GetActiveServers(ctx context.Context) ([]models.Node, error)
}

// LocalEventStream is the out-of-core collaborator (spec.md §6.2) that
// re-injects router-delivered events into whatever in-process fan-out the
// node uses. The core requires only that PublishEvent be non-blocking or
// bounded.
type LocalEventStream interface {
	PublishEvent(ctx context.Context, event models.Event, meta map[string]string) error
}

// Options configures a Router.
type Options struct {
	MessageTTL time.Duration
}

// Router ships events between nodes and re-injects delivered ones locally.
type Router struct {
	db       *rdb.Gateway
	clock    clockid.Clock
	ids      clockid.IDs
	nodeID   string
	conn     ConnLookup
	servers  ActiveServers
	stream   LocalEventStream
	log      *logrus.Entry

	messageTTL time.Duration
	cache      *messageCache
	acks       *ackStore

	retry       *resilience.Engine
	retryParams resilience.StrategyParams

	sent atomic.Int64
}

// New builds a Router for this node.
func New(db *rdb.Gateway, clock clockid.Clock, nodeID string, conn ConnLookup, servers ActiveServers, stream LocalEventStream, opts Options, log *logrus.Logger) *Router {
	ttl := opts.MessageTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Router{
		db:         db,
		clock:      clock,
		nodeID:     nodeID,
		conn:       conn,
		servers:    servers,
		stream:     stream,
		log:        log.WithField("component", "router"),
		messageTTL: ttl,
		cache:      newMessageCache(ttl),
		acks:       newAckStore(),
	}
}

// SetRetry wires the shared retry engine into the router's outbound
// publish path, so a transient Redis error retries (per params) before the
// surrounding circuit breaker ever sees a failure.
func (r *Router) SetRetry(engine *resilience.Engine, params resilience.StrategyParams) {
	r.retry = engine
	r.retryParams = params
}

// SetConnLookup wires the connection manager in after construction,
// breaking the Router/Manager constructor cycle (the manager itself takes
// a *Router so neither can be built fully formed first).
func (r *Router) SetConnLookup(conn ConnLookup) { r.conn = conn }

// Run subscribes to the shared cross-server channel and this node's ack
// channel, and starts the cache/ack GC timer. It blocks until ctx is
// cancelled.
func (r *Router) Run(ctx context.Context) {
	go r.gcLoop(ctx)

	eventsSub := r.db.Subscribe(ctx, r.db.Key(eventsChannel))
	defer eventsSub.Close()
	ackSub := r.db.Subscribe(ctx, r.db.Key(ackChannelPfx+r.nodeID))
	defer ackSub.Close()

	eventsCh := eventsSub.Channel()
	ackCh := ackSub.Channel()

	for {
		select {
		case msg, ok := <-eventsCh:
			if !ok {
				return
			}
			r.handleEnvelope(ctx, []byte(msg.Payload))
		case msg, ok := <-ackCh:
			if !ok {
				return
			}
			r.handleAck([]byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cache.gc()
			r.acks.gc(r.messageTTL)
		case <-ctx.Done():
			return
		}
	}
}

type sendOpts struct {
	ack bool
}

// SendOption customizes Broadcast/Multicast/UnicastToUser.
type SendOption func(*sendOpts)

// WithAck requests a delivered/failed ack from every addressed node.
func WithAck() SendOption {
	return func(o *sendOpts) { o.ack = true }
}

func applyOpts(opts []SendOption) sendOpts {
	var o sendOpts
	for _, f := range opts {
		f(&o)
	}
	return o
}

// Broadcast addresses every active node (minus self if excludeSelf),
// returning the message id, or "" if there are no eligible targets.
func (r *Router) Broadcast(ctx context.Context, org, channel string, event models.Event, excludeSelf bool, opts ...SendOption) (string, error) {
	nodes, err := r.servers.GetActiveServers(ctx)
	if err != nil {
		return "", err
	}

	var targets []string
	for _, n := range nodes {
		if excludeSelf && n.ID == r.nodeID {
			continue
		}
		targets = append(targets, n.ID)
	}
	if len(targets) == 0 {
		return "", nil
	}

	return r.send(ctx, models.MessageBroadcast, targets, org, "", channel, event, applyOpts(opts))
}

// Multicast addresses exactly the given node ids.
func (r *Router) Multicast(ctx context.Context, nodeIDs []string, org, channel string, event models.Event, opts ...SendOption) (string, error) {
	return r.send(ctx, models.MessageMulticast, nodeIDs, org, "", channel, event, applyOpts(opts))
}

// UnicastToUser resolves the user's hosting node and addresses only it,
// returning "" if the user is not connected anywhere.
func (r *Router) UnicastToUser(ctx context.Context, user, org, channel string, event models.Event, opts ...SendOption) (string, error) {
	node, ok, err := r.conn.FindUserServer(ctx, org, user)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return r.send(ctx, models.MessageUnicast, []string{node}, org, user, channel, event, applyOpts(opts))
}

func (r *Router) send(ctx context.Context, kind models.MessageKind, targets []string, org, user, channel string, event models.Event, o sendOpts) (string, error) {
	id := r.ids.New()
	msg := models.CrossServerMessage{
		ID:           id,
		Kind:         kind,
		SourceNode:   r.nodeID,
		TargetNodes:  targets,
		OrgID:        org,
		UserID:       user,
		Channel:      channel,
		Event:        event,
		Timestamp:    r.clock.Now(),
		AckRequested: o.ack,
	}

	if err := r.db.SetJSON(ctx, r.db.Key(messageKeyPfx+id), msg, r.messageTTL); err != nil {
		return "", err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := r.publish(ctx, data); err != nil {
		return "", err
	}

	// The sender's own copy counts toward its dedupe window too, so a
	// same-id republish (network retry) is suppressed locally as well.
	r.cache.seenOrAdd(id)
	r.sent.Add(1)

	return id, nil
}

// SentCount returns the running total of messages this router has
// published cross-server since construction, used by callers to derive a
// messages-per-second rate for registry.UpdateMetrics.
func (r *Router) SentCount() int64 {
	return r.sent.Load()
}

// publish retries the cross-server channel publish through the shared
// retry engine when one is configured, falling back to a single attempt
// otherwise (e.g. in tests that construct a Router directly).
func (r *Router) publish(ctx context.Context, data []byte) error {
	if r.retry == nil {
		return r.db.Publish(ctx, r.db.Key(eventsChannel), data)
	}
	id := "router.publish:" + r.nodeID
	return r.retry.ExecuteWithRetry(ctx, id, func(ctx context.Context) error {
		return r.db.Publish(ctx, r.db.Key(eventsChannel), data)
	}, r.retryParams, 3, nil)
}

func (r *Router) handleEnvelope(ctx context.Context, payload []byte) {
	var msg models.CrossServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.WithError(err).Warn("dropping unparseable cross-server message")
		return
	}

	if msg.SourceNode == r.nodeID {
		return // no-self-loop
	}
	if len(msg.TargetNodes) > 0 && !contains(msg.TargetNodes, r.nodeID) {
		return
	}
	if r.cache.seenOrAdd(msg.ID) {
		return // duplicate
	}

	meta := map[string]string{
		"cross_server": "true",
		"source_node":  msg.SourceNode,
		"routed_at":    r.clock.Now().Format(time.RFC3339Nano),
		"org_id":       msg.OrgID,
		"channel":      msg.Channel,
	}
	for k, v := range msg.Event.Metadata {
		meta[k] = v
	}

	err := r.stream.PublishEvent(ctx, msg.Event, meta)
	if msg.AckRequested {
		r.publishAck(ctx, msg, err)
	}
}

func (r *Router) publishAck(ctx context.Context, msg models.CrossServerMessage, procErr error) {
	ack := models.Ack{
		MessageID: msg.ID,
		Node:      r.nodeID,
		Status:    models.AckDelivered,
		Timestamp: r.clock.Now(),
	}
	if procErr != nil {
		ack.Status = models.AckFailed
		ack.Error = procErr.Error()
	}
	data, err := json.Marshal(ack)
	if err != nil {
		r.log.WithError(err).Warn("failed marshalling ack")
		return
	}
	if err := r.db.Publish(ctx, r.db.Key(ackChannelPfx+msg.SourceNode), data); err != nil {
		r.log.WithError(err).Warn("failed publishing ack")
	}
}

func (r *Router) handleAck(payload []byte) {
	var ack models.Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		r.log.WithError(err).Warn("dropping unparseable ack")
		return
	}
	r.acks.add(ack.MessageID, ackEntry{node: ack.Node, status: string(ack.Status), at: ack.Timestamp, errMsg: ack.Error})
}

// DeliveryStatus reports the acks received so far for messageID.
func (r *Router) DeliveryStatus(messageID string) []models.DeliveryRecord {
	entries := r.acks.get(messageID)
	out := make([]models.DeliveryRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.DeliveryRecord{
			Node:      e.node,
			Status:    models.AckStatus(e.status),
			Timestamp: e.at,
			Error:     e.errMsg,
		})
	}
	return out
}

// CacheSize exposes the local dedupe cache size for health/diagnostics.
func (r *Router) CacheSize() int { return r.cache.size() }

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
