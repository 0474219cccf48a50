package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/authctx"
	"github.com/axonfabric/node/internal/clockid"
	"github.com/axonfabric/node/internal/connmgr"
	"github.com/axonfabric/node/internal/health"
	"github.com/axonfabric/node/internal/models"
	"github.com/axonfabric/node/internal/resilience"
	"github.com/axonfabric/node/internal/router"
)

// upgrader mirrors the teacher's internal/ws/hub.go upgrader; origin
// validation is left to a reverse proxy in front of the node, same as
// the teacher's deployment.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// loginRequest/loginResponse mirror the teacher's models.LoginRequest/
// LoginResponse shape.
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token string `json:"token"`
	OrgID string `json:"org_id"`
}

// Gateway wires HTTP/WS handlers onto the distributed connection manager,
// router, health checker and auth service, the role the teacher's
// cmd/server/main.go filled inline with gin.Default().
type Gateway struct {
	auth    *authctx.Service
	conns   *connmgr.Manager
	rtr     *router.Router
	checker *health.Checker
	breaker *resilience.Breakers
	drain   *health.DrainController
	clock   clockid.Clock
	ids     clockid.IDs
	hub     *localHub
	log     *logrus.Logger
}

// New builds a Gateway around a hub built with NewHub. The same hub must
// have already been passed to router.New as its LocalEventStream, so
// router-delivered events and locally-originated ones share one fan-out.
func New(auth *authctx.Service, conns *connmgr.Manager, rtr *router.Router, checker *health.Checker, breaker *resilience.Breakers, drain *health.DrainController, clock clockid.Clock, hub *localHub, log *logrus.Logger) *Gateway {
	return &Gateway{
		auth:    auth,
		conns:   conns,
		rtr:     rtr,
		checker: checker,
		breaker: breaker,
		drain:   drain,
		clock:   clock,
		hub:     hub,
		log:     log,
	}
}

// Routes registers the gateway's HTTP surface onto an existing gin engine,
// generalizing the teacher's cmd/server/main.go route table (api/v1 group +
// /health + /ws).
func (g *Gateway) Routes(r *gin.Engine) {
	r.GET("/health/live", g.handleLive)
	r.GET("/health/ready", g.handleReady)
	r.GET("/health/websocket", g.handleWebsocketHealth)
	r.POST("/health/drain", g.handleDrain)

	api := r.Group("/api/v1")
	api.POST("/auth/login", g.handleLogin)
	r.GET("/ws", g.handleUpgrade)
}

func (g *Gateway) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"live": g.checker.Live()})
}

func (g *Gateway) handleReady(c *gin.Context) {
	ok, report := g.checker.Ready(c.Request.Context())
	if g.drain.Draining() {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (g *Gateway) handleWebsocketHealth(c *gin.Context) {
	c.JSON(http.StatusOK, g.checker.Websocket(c.Request.Context()))
}

func (g *Gateway) handleDrain(c *gin.Context) {
	g.drain.Drain()
	c.JSON(http.StatusAccepted, gin.H{"draining": true})
}

func (g *Gateway) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, id, err := g.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: token, OrgID: id.OrgID})
}

// handleUpgrade authenticates via a query-param token (the teacher's
// deployment used the same pattern since browsers cannot set WS headers),
// then registers the resulting session with the Distributed Connection
// Manager before handing the connection to its reader/writer pump.
func (g *Gateway) handleUpgrade(c *gin.Context) {
	if g.drain.Draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node draining"})
		return
	}

	token := c.Query("token")
	identity, err := g.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sessionID := g.ids.New()
	cl := newClient(conn, sessionID, identity.OrgID)
	g.hub.add(cl)

	sess := models.Session{
		ID:          sessionID,
		OrgID:       identity.OrgID,
		UserID:      identity.UserID,
		ClientType:  identity.ClientType,
		ConnectedAt: g.clock.Now(),
	}

	ctx := context.Background()
	if err := g.conns.Register(ctx, sess); err != nil {
		g.log.WithError(err).Warn("failed registering session")
		conn.Close()
		return
	}

	s := &session{
		id:      sessionID,
		orgID:   identity.OrgID,
		userID:  identity.UserID,
		client:  cl,
		hub:     g.hub,
		conns:   g.conns,
		r:       g.rtr,
		breaker: g.breaker,
		log:     g.log.WithField("session_id", sessionID),
	}
	go s.run(ctx)
}
