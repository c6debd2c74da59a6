// Package signal is the WebSocket signaling gateway.
package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Hearth/internal/app/orch"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/dkeye/Hearth/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	writeWait         = 5 * time.Second
	defaultPingPeriod = 54 * time.Second
)

// OfferInspector rejects SDP offers the server cannot serve.
type OfferInspector func(sdp string) error

type Controller struct {
	orch     *orch.Orchestrator
	auth     core.AuthService
	limiter  *RateLimiter
	policy   Policy
	hub      *hub
	inspect  OfferInspector
	handlers map[string]handler

	sendBuffer int
	readLimit  int64
	pingPeriod time.Duration
	upgrader   websocket.Upgrader
}

func NewController(o *orch.Orchestrator, auth core.AuthService, cfg *config.Config) *Controller {
	ctl := &Controller{
		orch:       o,
		auth:       auth,
		limiter:    NewRateLimiter(cfg.Signal.RateLimit, cfg.Signal.RateInterval),
		policy:     ThresholdPolicy{MaxDropped: cfg.Signal.SendBuffer},
		hub:        newHub(),
		sendBuffer: max(cfg.Signal.SendBuffer, 1),
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)},
	}
	if ctl.pingPeriod <= 0 {
		ctl.pingPeriod = defaultPingPeriod
	}
	ctl.handlers = ctl.routes()
	o.SetListener(ctl)
	return ctl
}

// SetOfferInspector installs the SDP check run before negotiation.
func (ctl *Controller) SetOfferInspector(fn OfferInspector) { ctl.inspect = fn }

// Limiter exposes the rate limiter so maintenance can purge idle entries.
func (ctl *Controller) Limiter() *RateLimiter { return ctl.limiter }

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// wsConn is the WebSocket side of core.SignalConnection.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn, buffer int) *wsConn {
	return &wsConn{conn: conn, send: make(chan core.Frame, buffer)}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return h
	}
	return c.Query("token")
}

// HandleSignal verifies the credential, upgrades the request and starts the pumps.
// A rejected credential never reaches the upgrade.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	identity, err := ctl.auth.Verify(c.Request.Context(), credential(c))
	if err != nil {
		log.Warn().Str("module", "signal").Err(err).Str("remote", c.ClientIP()).Msg("connection rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": codeOf(err), "message": "invalid credential"}})
		return
	}
	device := domain.DeviceID(c.GetString("client_token"))

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "signal").Err(err).Msg("ws upgrade")
		return
	}
	conn := newWSConn(ws, ctl.sendBuffer)
	cl, err := ctl.Attach(ctx, identity, device, conn)
	if err != nil {
		log.Error().Str("module", "signal").Err(err).Str("identity", string(identity)).Msg("attach")
		conn.Close()
		return
	}
	go ctl.writePump(cl.ctx, conn)
	go ctl.readPump(cl, conn)
}

// Attach opens the presence session for a verified connection and registers it. A
// previous connection of the same identity and device is dropped.
func (ctl *Controller) Attach(ctx context.Context, identity domain.UserID, device domain.DeviceID, conn core.SignalConnection) (*client, error) {
	s, replaced, err := ctl.orch.Presence.OpenSession(identity, device)
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		if old, ok := ctl.hub.get(replaced.ID); ok {
			ctl.disconnect(old, "replaced")
		}
	}
	cctx, cancel := context.WithCancel(ctx)
	cl := newClient(cctx, cancel, s, conn)
	ctl.orch.Presence.BindCancel(s.ID, cancel)
	ctl.hub.add(cl)
	metrics.Connections.Inc()
	metrics.Sessions.Set(float64(ctl.orch.Presence.Count()))

	log.Info().Str("module", "signal").Str("sid", string(s.ID)).Str("identity", string(identity)).Str("device", string(device)).Msg("connected")
	ctl.send(cl, event{Type: "hello", Data: s})
	return cl, nil
}

// DropExpired closes the connection of a session the sweep removed.
func (ctl *Controller) DropExpired(s domain.Session) {
	if cl, ok := ctl.hub.get(s.ID); ok {
		ctl.disconnect(cl, "expired")
	}
}

// disconnect runs the cleanup cascade once per client.
func (ctl *Controller) disconnect(cl *client, reason string) {
	if !cl.closing.CompareAndSwap(false, true) {
		return
	}
	cl.cancel()
	cl.conn.Close()
	ctl.hub.remove(cl)
	metrics.Connections.Dec()

	topics, voice := cl.snapshot()
	ctl.orch.Disconnect(cl.sid, cl.identity, voice)
	metrics.Sessions.Set(float64(ctl.orch.Presence.Count()))

	for _, room := range topics {
		if ctl.hub.identityIn(room, cl.identity) {
			continue
		}
		ctl.broadcast(room, "", event{Type: "member.left", Data: memberEvent{Room: room, Identity: cl.identity, Reason: reason}})
	}
	log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Str("identity", string(cl.identity)).Str("reason", reason).Msg("disconnected")
}

// Shutdown drops every connection.
func (ctl *Controller) Shutdown() {
	for _, cl := range ctl.hub.all() {
		ctl.disconnect(cl, "shutdown")
	}
}
