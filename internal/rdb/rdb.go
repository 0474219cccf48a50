// Package rdb is component B: a typed gateway over Redis providing the
// KV, SET, EXPIRE and PUBLISH/SUBSCRIBE primitives the rest of the core
// builds on, plus a health ping. Grounded on the teacher's
// internal/db/db.go NewRedis (connect-or-fatal on boot, context timeout on
// ping); generalized into a reusable client other components depend on
// instead of importing redis.Client directly.
package rdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/kinderr"
)

// Gateway wraps a redis.UniversalClient with the application's key prefix
// and op timeout baked in.
type Gateway struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	log     *logrus.Entry
}

// New connects to Redis and fails fast (fatal error kind) if unreachable,
// matching the teacher's "ping or Fatalf at boot" behavior but returning
// the error instead of calling log.Fatalf directly, so cmd/node can decide
// the exit code per spec.md §6.3.
func New(addr, password string, db int, prefix string, timeout time.Duration, log *logrus.Logger) (*Gateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, kinderr.New(kinderr.Fatal, "rdb.New", fmt.Errorf("connecting to redis: %w", err))
	}

	return &Gateway{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		log:     log.WithField("component", "rdb"),
	}, nil
}

// NewFromClient wraps an already-constructed client (used by tests against
// miniredis).
func NewFromClient(client redis.UniversalClient, prefix string, timeout time.Duration, log *logrus.Logger) *Gateway {
	return &Gateway{client: client, prefix: prefix, timeout: timeout, log: log.WithField("component", "rdb")}
}

// Key builds a namespaced Redis key from the shared scheme (spec.md §6.1).
func (g *Gateway) Key(parts ...string) string {
	key := g.prefix
	for _, p := range parts {
		key += p
	}
	return key
}

func (g *Gateway) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

// SetJSON marshals v and stores it at key with the given TTL.
func (g *Gateway) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return kinderr.New(kinderr.Protocol, "rdb.SetJSON", err)
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.Set(cctx, key, data, ttl).Err(); err != nil {
		return kinderr.New(kinderr.Transient, "rdb.SetJSON", err)
	}
	return nil
}

// GetJSON reads key and unmarshals it into v. It returns (false, nil) when
// the key is absent.
func (g *Gateway) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	data, err := g.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, kinderr.New(kinderr.Transient, "rdb.GetJSON", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, kinderr.New(kinderr.Protocol, "rdb.GetJSON", err)
	}
	return true, nil
}

// Del removes one or more keys.
func (g *Gateway) Del(ctx context.Context, keys ...string) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.Del(cctx, keys...).Err(); err != nil {
		return kinderr.New(kinderr.Transient, "rdb.Del", err)
	}
	return nil
}

// Expire refreshes the TTL on key.
func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.Expire(cctx, key, ttl).Err(); err != nil {
		return kinderr.New(kinderr.Transient, "rdb.Expire", err)
	}
	return nil
}

// SAdd adds members to a set.
func (g *Gateway) SAdd(ctx context.Context, key string, members ...interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.SAdd(cctx, key, members...).Err(); err != nil {
		return kinderr.New(kinderr.Transient, "rdb.SAdd", err)
	}
	return nil
}

// SRem removes members from a set.
func (g *Gateway) SRem(ctx context.Context, key string, members ...interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.SRem(cctx, key, members...).Err(); err != nil {
		return kinderr.New(kinderr.Transient, "rdb.SRem", err)
	}
	return nil
}

// SMembers lists a set's members.
func (g *Gateway) SMembers(ctx context.Context, key string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	members, err := g.client.SMembers(cctx, key).Result()
	if err != nil {
		return nil, kinderr.New(kinderr.Transient, "rdb.SMembers", err)
	}
	return members, nil
}

// Set stores a plain string value with TTL (used for user-server pointers).
func (g *Gateway) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.Set(cctx, key, value, ttl).Err(); err != nil {
		return kinderr.New(kinderr.Transient, "rdb.Set", err)
	}
	return nil
}

// Get reads a plain string value. Returns ("", false, nil) when absent.
func (g *Gateway) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	val, err := g.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, kinderr.New(kinderr.Transient, "rdb.Get", err)
	}
	return val, true, nil
}

// Exists reports whether key is present.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	n, err := g.client.Exists(cctx, key).Result()
	if err != nil {
		return false, kinderr.New(kinderr.Transient, "rdb.Exists", err)
	}
	return n > 0, nil
}

// Publish sends data on channel.
func (g *Gateway) Publish(ctx context.Context, channel string, data []byte) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.client.Publish(cctx, channel, data).Err(); err != nil {
		return kinderr.New(kinderr.Transient, "rdb.Publish", err)
	}
	return nil
}

// Subscribe returns a long-lived PubSub handle for channel. Callers own
// its lifecycle (Close when done).
func (g *Gateway) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return g.client.Subscribe(ctx, channel)
}

// PingResult is the outcome of a health probe.
type PingResult struct {
	OK      bool
	Latency time.Duration
	Err     error
}

// Ping measures Redis round-trip latency for the health surface.
func (g *Gateway) Ping(ctx context.Context) PingResult {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()
	_, err := g.client.Ping(cctx).Result()
	latency := time.Since(start)
	if err != nil {
		return PingResult{OK: false, Latency: latency, Err: err}
	}
	return PingResult{OK: true, Latency: latency}
}

// Close releases the underlying client.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// Client exposes the underlying client for callers (registry/connmgr) that
// need lower-level ops (pipelines, SCAN) not wrapped here.
func (g *Gateway) Client() redis.UniversalClient { return g.client }
