// Command node runs one node of the messaging fabric: it joins the
// server registry, serves WebSocket/HTTP traffic through the gateway, and
// participates in cross-server routing and load balancing. Grounded on
// the teacher's cmd/server/main.go (gin.New + cors + graceful shutdown on
// SIGINT/SIGTERM), generalized into the multi-component startup/drain
// sequence of spec.md §5/§6.3.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/config"
	"github.com/axonfabric/node/internal/authctx"
	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/connmgr"
	"github.com/axonfabric/node/internal/gateway"
	"github.com/axonfabric/node/internal/health"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/rdb"
	"github.com/axonfabric/node/internal/registry"
	"github.com/axonfabric/node/internal/resilience"
	"github.com/axonfabric/node/internal/router"
)

var (
	breakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "axonpuls_breaker_state", Help: "0=closed 1=half_open 2=open"},
		[]string{"id"},
	)
	loadGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "axonpuls_node_connections", Help: "local active WebSocket connections"},
	)
)

func init() {
	prometheus.MustRegister(breakerStateGauge, loadGauge)
}

func main() {
	log := logrus.New()
	cfg := config.Load()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + clockid.IDs{}.New()
	}
	log = log.WithField("node_id", cfg.NodeID).Logger

	db, err := rdb.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, cfg.Cluster.RedisOpTimeout, log)
	if err != nil {
		log.WithError(err).Fatal("failed connecting to redis")
	}
	defer db.Close()

	clock := clockid.SystemClock{}

	reg := registry.New(db, clock, registry.Descriptor{
		NodeID:   cfg.NodeID,
		Address:  cfg.Address,
		Version:  cfg.Version,
		Region:   cfg.Region,
		Capacity: cfg.Capacity,
	}, cfg.Cluster.HeartbeatPeriod, cfg.Cluster.HeartbeatTTL, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Register(ctx); err != nil {
		log.WithError(err).Fatal("failed registering node")
	}
	if err := reg.StartHeartbeat(ctx); err != nil {
		log.WithError(err).Fatal("failed starting heartbeat")
	}

	breakers := resilience.NewBreakers(func(id string, from, to resilience.BreakerState) {
		log.WithField("breaker", id).WithField("from", from).WithField("to", to).Warn("circuit breaker state change")
		breakerStateGauge.WithLabelValues(id).Set(breakerStateValue(to))
	})
	retryEngine := resilience.NewEngine(func(ev resilience.Event) {
		log.WithField("op", ev.OperationID).WithField("kind", ev.Kind).WithField("attempt", ev.Attempt).Debug("retry event")
	}, log)

	jwtIssuer := authctx.NewJWTIssuer(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpirationHours)*time.Hour)
	var authSvc *authctx.Service
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := authctx.NewPostgres(dsn)
		if err != nil {
			log.WithError(err).Fatal("failed connecting to postgres")
		}
		defer pg.Close()
		authSvc = authctx.NewService(jwtIssuer, authctx.NewUserStore(pg))
	} else {
		log.Warn("DATABASE_URL not set, login endpoint will fail until configured")
		authSvc = authctx.NewService(jwtIssuer, nil)
	}

	hub := gateway.NewHub(log)

	rtr := router.New(db, clock, cfg.NodeID, nil, reg, hub, router.Options{MessageTTL: cfg.Cluster.MessageTTL}, log)
	rtr.SetRetry(retryEngine, resilience.StrategyParams{
		Kind:        resilience.Exponential,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      true,
		JitterRange: cfg.Retry.JitterRange,
	})

	conns := connmgr.New(db, clock, cfg.NodeID, reg, reg, rtr, connmgr.Options{
		ConnectionTTL:        cfg.Cluster.ConnectionTTL,
		CleanupInterval:      cfg.Cluster.CleanupInterval,
		LoadBalanceThreshold: cfg.Cluster.LoadBalanceThreshold,
		LoadBalanceInterval:  cfg.Cluster.LoadBalanceInterval,
		MigrationTTL:         cfg.Cluster.MigrationTTL,
	}, log)
	rtr.SetConnLookup(conns)

	checker := health.New(db, conns, reg, breakers, cfg.Capacity)
	drain := &health.DrainController{}
	gw := gateway.New(authSvc, conns, rtr, checker, breakers, drain, clock, hub, log)

	go rtr.Run(ctx)
	if err := conns.StartCleanup(ctx); err != nil {
		log.WithError(err).Fatal("failed starting cleanup sweep")
	}
	if err := conns.StartLoadBalance(ctx); err != nil {
		log.WithError(err).Fatal("failed starting load balancer")
	}

	go func() {
		tickInterval := 5 * time.Second
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		var lastSent int64
		for {
			select {
			case <-ticker.C:
				localConns := conns.LocalConnections()
				loadGauge.Set(float64(localConns))

				sent := rtr.SentCount()
				mps := float64(sent-lastSent) / tickInterval.Seconds()
				lastSent = sent
				reg.UpdateMetrics(models.NodeMetrics{MessagesPerSec: mps})
			case <-ctx.Done():
				return
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	gw.Routes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("node listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, draining")
	drain.Drain()
	if err := reg.SetDraining(ctx); err != nil {
		log.WithError(err).Warn("failed marking node draining")
	}

	time.Sleep(cfg.Cluster.DrainTimeout)

	conns.StopBackground()
	reg.StopHeartbeat()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful http shutdown failed")
	}

	if err := reg.Unregister(context.Background()); err != nil {
		log.WithError(err).Warn("failed unregistering node")
	}

	cancel()
	log.Info("node shut down cleanly")
}

func breakerStateValue(s resilience.BreakerState) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}
