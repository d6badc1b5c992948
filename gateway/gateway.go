package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mshop/authrelay"
	"github.com/mshop/authrelay/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers connect from arbitrary origins; the token check after the
	// upgrade is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON frame exchanged with clients.
type Message struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types sent by the gateway.
const (
	MsgConnected      = "connected"
	MsgAuthFailed     = "auth_failed"
	MsgSessionRevoked = "session_revoked"
	MsgBroadcast      = "broadcast"
)

// TokenVerifier validates a session token. The engine satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*authrelay.Subject, error)
}

// Meter counts gateway events. The engine's metrics satisfy it.
type Meter interface {
	Inc(id authrelay.MetricID)
}

// Config controls the gateway's timings and its broadcast channel.
type Config struct {
	// BroadcastTopic is the bus topic carrying fan-out messages for this
	// gateway's namespace. Every gateway process subscribed to it relays
	// the message to its local connections.
	BroadcastTopic string
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	ReadLimit      int64

	// Metrics receives connection counters when set.
	Metrics Meter
}

func (c *Config) withDefaults() {
	if c.BroadcastTopic == "" {
		c.BroadcastTopic = "gateway-broadcast"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 90 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
}

// Conn is one live client connection.
type Conn struct {
	ID        string
	UserID    string
	SessionID string
	Connected time.Time

	ws *websocket.Conn
	mu sync.Mutex // serializes writes
}

func (c *Conn) send(msg Message, timeout time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Gateway accepts authenticated WebSocket connections and force-closes
// them when their session is revoked anywhere in the deployment. It
// subscribes to the revoke channel itself, so a revocation issued by one
// process kicks connections held by every other.
type Gateway struct {
	cfg      Config
	verifier TokenVerifier
	bus      *bus.SubPub
	log      *zap.Logger

	mu     sync.RWMutex
	conns  map[string]map[string]*Conn // session ID -> conn ID -> conn
	subs   []*bus.Subscription
	closed bool
}

// New creates a Gateway. Call [Gateway.Start] before serving.
func New(cfg Config, verifier TokenVerifier, b *bus.SubPub, log *zap.Logger) *Gateway {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		cfg:      cfg,
		verifier: verifier,
		bus:      b,
		log:      log,
		conns:    make(map[string]map[string]*Conn),
	}
}

// Start subscribes the gateway to the revoke and broadcast channels.
func (g *Gateway) Start(ctx context.Context) error {
	revokeSub, err := g.bus.Subscribe(ctx, authrelay.TopicTokenExpired, g.onRevoke)
	if err != nil {
		return err
	}
	castSub, err := g.bus.Subscribe(ctx, g.cfg.BroadcastTopic, g.onBroadcast)
	if err != nil {
		_ = g.bus.Unsubscribe(ctx, revokeSub)
		return err
	}

	g.mu.Lock()
	g.subs = append(g.subs, revokeSub, castSub)
	g.mu.Unlock()
	return nil
}

// Close unsubscribes from the bus and drops every connection.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	subs := g.subs
	g.subs = nil
	var all []*Conn
	for _, byID := range g.conns {
		for _, c := range byID {
			all = append(all, c)
		}
	}
	g.conns = make(map[string]map[string]*Conn)
	g.mu.Unlock()

	ctx := context.Background()
	for _, sub := range subs {
		_ = g.bus.Unsubscribe(ctx, sub)
	}
	for _, c := range all {
		_ = c.ws.Close()
	}
	return nil
}

// ServeHTTP upgrades the request and authenticates the client. The
// upgrade happens first so an invalid token can be answered with an
// auth_failed frame over the socket before it is closed, which browser
// clients can read; a plain HTTP 401 body is lost in most WebSocket
// client APIs.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	subject, err := g.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil || subject == nil {
		g.metricInc(authrelay.MetricGatewayAuthFailed)
		g.log.Warn("connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		c := &Conn{ws: ws}
		_ = c.send(Message{Type: MsgAuthFailed, Message: "invalid or expired token"}, g.cfg.WriteTimeout)
		_ = ws.Close()
		return
	}

	conn := &Conn{
		ID:        uuid.New().String(),
		UserID:    subject.UserID,
		SessionID: subject.SessionID,
		Connected: time.Now().UTC(),
		ws:        ws,
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = ws.Close()
		return
	}
	byID, ok := g.conns[conn.SessionID]
	if !ok {
		byID = make(map[string]*Conn)
		g.conns[conn.SessionID] = byID
	}
	byID[conn.ID] = conn
	g.mu.Unlock()

	g.metricInc(authrelay.MetricGatewayConnected)
	g.log.Info("client connected",
		zap.String("uid", conn.UserID),
		zap.String("sid", conn.SessionID),
		zap.String("conn_id", conn.ID))

	_ = conn.send(Message{Type: MsgConnected}, g.cfg.WriteTimeout)

	go g.pingLoop(conn)
	g.readLoop(conn)

	g.unregister(conn)
	_ = ws.Close()
	g.log.Info("client disconnected",
		zap.String("sid", conn.SessionID),
		zap.String("conn_id", conn.ID))
}

func (g *Gateway) readLoop(conn *Conn) {
	conn.ws.SetReadLimit(g.cfg.ReadLimit)
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	})
	_ = conn.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))

	// Clients only listen on this channel; inbound frames just keep the
	// connection alive.
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	}
}

func (g *Gateway) pingLoop(conn *Conn) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		conn.mu.Lock()
		err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout))
		conn.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (g *Gateway) unregister(conn *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	byID, ok := g.conns[conn.SessionID]
	if !ok {
		return
	}
	if byID[conn.ID] == conn {
		delete(byID, conn.ID)
	}
	if len(byID) == 0 {
		delete(g.conns, conn.SessionID)
	}
}

// Kick force-closes every connection of sessionID after sending a
// session_revoked frame. Kicking an unknown session is a no-op, so
// duplicate revoke deliveries are harmless.
func (g *Gateway) Kick(sessionID string) int {
	g.mu.Lock()
	byID := g.conns[sessionID]
	delete(g.conns, sessionID)
	g.mu.Unlock()

	for _, c := range byID {
		_ = c.send(Message{Type: MsgSessionRevoked}, g.cfg.WriteTimeout)
		_ = c.ws.Close()
		g.metricInc(authrelay.MetricGatewayKicked)
		g.log.Info("connection kicked",
			zap.String("uid", c.UserID),
			zap.String("sid", c.SessionID),
			zap.String("conn_id", c.ID))
	}
	return len(byID)
}

// Broadcast publishes payload on the gateway's broadcast topic. Every
// gateway process, this one included, relays it to all its connections.
func (g *Gateway) Broadcast(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return g.bus.Publish(ctx, g.cfg.BroadcastTopic, Message{Type: MsgBroadcast, Payload: raw})
}

// ConnCount returns the number of live connections.
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, byID := range g.conns {
		n += len(byID)
	}
	return n
}

// SessionConnected reports whether any connection is registered for the
// session.
func (g *Gateway) SessionConnected(sessionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns[sessionID]) > 0
}

func (g *Gateway) onRevoke(payload []byte) {
	var ev authrelay.RevokeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		g.log.Warn("malformed revoke event", zap.Error(err))
		return
	}
	if ev.SessionID == "" {
		return
	}
	g.Kick(ev.SessionID)
}

func (g *Gateway) onBroadcast(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.log.Warn("malformed broadcast", zap.Error(err))
		return
	}

	g.mu.RLock()
	var targets []*Conn
	for _, byID := range g.conns {
		for _, c := range byID {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(msg, g.cfg.WriteTimeout); err != nil {
			g.log.Debug("broadcast write failed",
				zap.String("conn_id", c.ID),
				zap.Error(err))
		}
	}
}

func (g *Gateway) metricInc(id authrelay.MetricID) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.Inc(id)
	}
}

// bearerToken pulls the session token from the query string or the
// Authorization header. Browser WebSocket clients cannot set headers, so
// `?token=` is checked first.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
