// Package manager implements RoomManager: WebSocket accept and auth,
// room lookup-or-create, the heartbeat loop, empty-room reaping, and the
// bot webhook-to-room bridge.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/lokutor-ai/interview-coach/pkg/logging"
	"github.com/lokutor-ai/interview-coach/pkg/metrics"
	"github.com/lokutor-ai/interview-coach/pkg/protocol"
	"github.com/lokutor-ai/interview-coach/pkg/relay"
	"github.com/lokutor-ai/interview-coach/pkg/room"
)

// AuthValidator validates a connection token. The reference
// implementation accepts any non-empty token; a real identity provider
// is out of scope and would be wired in behind this same interface.
type AuthValidator interface {
	Validate(token string) bool
}

// AcceptAnyNonEmptyToken is the reference AuthValidator.
type AcceptAnyNonEmptyToken struct{}

func (AcceptAnyNonEmptyToken) Validate(token string) bool { return token != "" }

// Config are the manager's tunable timing and coaching-admission
// parameters. Defaults match the spec-pinned values; a test harness
// overrides them to shrink heartbeat/reap cycles or coaching windows.
type Config struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	RoomGrace         time.Duration

	CoachingCooldown      time.Duration
	MaxCoachingPerSession int
	CoachingConfidence    float64
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     30 * time.Second,
		ClientTimeout:         60 * time.Second,
		RoomGrace:             30 * time.Second,
		CoachingCooldown:      120 * time.Second,
		MaxCoachingPerSession: 3,
		CoachingConfidence:    0.85,
	}
}

// Manager owns the set of rooms and the heartbeat timer.
type Manager struct {
	cfg           Config
	auth          AuthValidator
	botClient     room.BotClient
	relayFac      room.RelayFactory
	log           logging.Logger
	now           func() time.Time
	webhookSecret string

	mu         sync.Mutex
	rooms      map[string]*room.Room
	reapTimers map[string]*time.Timer
	conns      map[string]*heartbeatEntry
	clientSeq  int64

	stopHeartbeat chan struct{}
}

type heartbeatEntry struct {
	sessionID string
	conn      *websocket.Conn
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithAuthValidator(v AuthValidator) Option    { return func(m *Manager) { m.auth = v } }
func WithBotClient(bc room.BotClient) Option      { return func(m *Manager) { m.botClient = bc } }
func WithRelayFactory(f room.RelayFactory) Option { return func(m *Manager) { m.relayFac = f } }
func WithLogger(log logging.Logger) Option        { return func(m *Manager) { m.log = log } }
func WithClock(now func() time.Time) Option       { return func(m *Manager) { m.now = now } }
func WithWebhookSecret(secret string) Option      { return func(m *Manager) { m.webhookSecret = secret } }

// New builds a Manager and starts its heartbeat loop.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		auth:          AcceptAnyNonEmptyToken{},
		now:           time.Now,
		rooms:         make(map[string]*room.Room),
		reapTimers:    make(map[string]*time.Timer),
		conns:         make(map[string]*heartbeatEntry),
		stopHeartbeat: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = &logging.NoOpLogger{}
	}
	if m.cfg.CoachingConfidence == 0 {
		m.cfg.CoachingConfidence = 0.85
	}
	if m.cfg.MaxCoachingPerSession == 0 {
		m.cfg.MaxCoachingPerSession = 3
	}
	if m.cfg.CoachingCooldown == 0 {
		m.cfg.CoachingCooldown = 120 * time.Second
	}
	go m.heartbeatLoop()
	return m
}

func (m *Manager) roomOptions(sessionID string) []room.Option {
	opts := []room.Option{
		room.WithLogger(m.log),
		room.WithCoachingConfig(m.cfg.CoachingConfidence, m.cfg.MaxCoachingPerSession, m.cfg.CoachingCooldown),
	}
	if m.botClient != nil {
		opts = append(opts, room.WithBotClient(m.botClient))
	}
	if m.relayFac != nil {
		opts = append(opts, room.WithRelayFactory(m.relayFac))
	}
	return opts
}

// GetRoom returns the room for sessionID, if one exists.
func (m *Manager) GetRoom(sessionID string) (*room.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[sessionID]
	return r, ok
}

// GetRoomStates returns every room's current status, keyed by session id.
func (m *Manager) GetRoomStates() map[string]room.Status {
	m.mu.Lock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	ids := make([]string, 0, len(m.rooms))
	for id, r := range m.rooms {
		ids = append(ids, id)
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	out := make(map[string]room.Status, len(rooms))
	for i, r := range rooms {
		out[ids[i]] = r.Status()
	}
	return out
}

func (m *Manager) getOrCreateRoom(sessionID string) *room.Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[sessionID]; ok {
		m.cancelReapLocked(sessionID)
		return r
	}
	r := room.New(sessionID, m.roomOptions(sessionID)...)
	m.rooms[sessionID] = r
	metrics.ActiveRooms.Inc()
	return r
}

func (m *Manager) cancelReapLocked(sessionID string) {
	if t, ok := m.reapTimers[sessionID]; ok {
		t.Stop()
		delete(m.reapTimers, sessionID)
	}
}

// scheduleReap destroys an empty room after RoomGrace unless a client
// rejoins first.
func (m *Manager) scheduleReap(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[sessionID]
	if !ok || !r.IsEmpty() {
		return
	}
	m.cancelReapLocked(sessionID)
	m.reapTimers[sessionID] = time.AfterFunc(m.cfg.RoomGrace, func() {
		m.destroyRoom(sessionID)
	})
}

func (m *Manager) destroyRoom(sessionID string) {
	m.mu.Lock()
	r, ok := m.rooms[sessionID]
	if !ok || !r.IsEmpty() {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, sessionID)
	delete(m.reapTimers, sessionID)
	m.mu.Unlock()

	r.Destroy()
	metrics.ActiveRooms.Dec()
}

func (m *Manager) nextClientID() string {
	m.mu.Lock()
	m.clientSeq++
	n := m.clientSeq
	m.mu.Unlock()
	return fmt.Sprintf("client_%d_%d", n, m.now().UnixNano())
}

// HandleWS upgrades one WebSocket connection per GET /ws. On missing
// sessionId/token it closes with 401 before upgrading.
func (m *Manager) HandleWS(c *gin.Context) {
	sessionID := c.Query("sessionId")
	token := firstNonEmpty(c.Query("token"), c.Cookie("session-token"), c.Cookie("better-auth.session_token"))
	roleParam := c.DefaultQuery("role", "observer")
	userName := c.Query("userName")

	if sessionID == "" || token == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if !m.auth.Validate(token) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	role := room.RoleObserver
	if roleParam == string(room.RoleInterviewer) {
		role = room.RoleInterviewer
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	clientID := m.nextClientID()
	r := m.getOrCreateRoom(sessionID)

	wc := &wsConn{conn: conn}
	client := &room.Client{
		ID:        clientID,
		Role:      role,
		SessionID: sessionID,
		UserName:  userName,
		Conn:      wc,
	}

	if err := r.AddClient(client); err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	m.mu.Lock()
	m.conns[clientID] = &heartbeatEntry{sessionID: sessionID, conn: conn}
	m.mu.Unlock()

	m.readLoop(c.Request.Context(), r, client, conn)

	m.mu.Lock()
	delete(m.conns, clientID)
	m.mu.Unlock()
	r.RemoveClient(clientID)
	m.scheduleReap(sessionID)
}

func (m *Manager) readLoop(ctx context.Context, r *room.Room, client *room.Client, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			client.Conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalidMessage, Message: "binary frames are rejected"})
			continue
		}

		in, err := protocol.Decode(data)
		if err != nil {
			client.Conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrUnknownMessage, Message: "unrecognized or malformed message"})
			continue
		}
		r.HandleMessage(ctx, client.ID, in)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// heartbeatLoop pings every connected socket on HeartbeatInterval and
// closes any that fail to ack within ClientTimeout.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopHeartbeat:
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

func (m *Manager) pingAll() {
	m.mu.Lock()
	entries := make(map[string]*heartbeatEntry, len(m.conns))
	for id, e := range m.conns {
		entries[id] = e
	}
	m.mu.Unlock()

	for clientID, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ClientTimeout)
		err := e.conn.Ping(ctx)
		cancel()
		if err != nil {
			m.log.Warn("manager: client failed heartbeat, closing", "clientId", clientID)
			e.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
		}
	}
}

// Shutdown cancels the heartbeat loop and destroys every room.
func (m *Manager) Shutdown() {
	close(m.stopHeartbeat)

	m.mu.Lock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	for id, r := range m.rooms {
		rooms = append(rooms, r)
		delete(m.rooms, id)
	}
	for _, t := range m.reapTimers {
		t.Stop()
	}
	m.reapTimers = make(map[string]*time.Timer)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Destroy()
		metrics.ActiveRooms.Dec()
	}
}

// wsConn adapts a *websocket.Conn to room.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Send(v interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, w.conn, v)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}

// RelayFactoryFor builds a room.RelayFactory bound to a given WS
// endpoint and API key, used by cmd/server to wire the production
// relay transport without the room package depending on net/url.
func RelayFactoryFor(wsURL, apiKey string, connectDeadline time.Duration, maxReconnect int) room.RelayFactory {
	return func(cfg relay.Config, log logging.Logger) *relay.Relay {
		cfg.ConnectDeadline = connectDeadline
		cfg.MaxReconnect = maxReconnect
		transport := relay.NewWSTransport(wsURL, apiKey)
		return relay.New(cfg, transport, log)
	}
}

