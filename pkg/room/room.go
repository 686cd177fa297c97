// Package room implements SessionRoom: the per-session authoritative
// state machine, client set, message routing, coaching admission policy,
// talk-time and topic accounting, and fan-out to role-scoped subsets of
// clients.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lokutor-ai/interview-coach/pkg/audioutil"
	"github.com/lokutor-ai/interview-coach/pkg/logging"
	"github.com/lokutor-ai/interview-coach/pkg/metrics"
	"github.com/lokutor-ai/interview-coach/pkg/protocol"
	"github.com/lokutor-ai/interview-coach/pkg/relay"
)

const (
	defaultCoachingConfidenceFloor = 0.85
	defaultMaxCoachingPerSession   = 3
	defaultCoachingCooldown        = 120 * time.Second
	cadenceEvery                   = 5
)

// RelayFactory builds a relay bound to a fresh transport for one room's
// session.start; it does not connect.
type RelayFactory func(cfg relay.Config, log logging.Logger) *relay.Relay

// CoachingPrompt is an admitted coaching candidate, timestamped at
// admission.
type CoachingPrompt struct {
	ID          string
	SessionID   string
	PromptType  relay.PromptType
	PromptText  string
	Confidence  float64
	Explanation string
	DisplayedAt time.Time
}

// Room is a single session's authoritative state.
type Room struct {
	sessionID string
	log       logging.Logger
	botClient BotClient
	relayFac  RelayFactory
	now       func() time.Time

	coachingConfidenceFloor float64
	maxCoachingPerSession   int
	coachingCooldown        time.Duration

	mu                  sync.Mutex
	status              Status
	startedAt           time.Time
	utteranceCount      int
	coachingEventCount  int
	lastCoachingAt      time.Time
	talkTimeInterviewer int64
	talkTimeParticipant int64
	currentSpeaker      string
	relayHandle         *relay.Relay
	botID               string

	clients        map[string]*Client
	topics         map[string]string
	announcedUtter map[string]bool
}

// Option configures a Room at construction.
type Option func(*Room)

func WithLogger(log logging.Logger) Option   { return func(r *Room) { r.log = log } }
func WithBotClient(bc BotClient) Option      { return func(r *Room) { r.botClient = bc } }
func WithRelayFactory(f RelayFactory) Option { return func(r *Room) { r.relayFac = f } }
func WithClock(now func() time.Time) Option  { return func(r *Room) { r.now = now } }

// WithCoachingConfig overrides the confidence floor, per-session cap and
// cooldown that gate coaching admission. The manager applies its
// configured values to every room it creates; test harnesses use it to
// make the cooldown/cap resolve faster than production values.
func WithCoachingConfig(floor float64, cap int, cooldown time.Duration) Option {
	return func(r *Room) {
		r.coachingConfidenceFloor = floor
		r.maxCoachingPerSession = cap
		r.coachingCooldown = cooldown
	}
}

// New builds an idle Room for sessionID.
func New(sessionID string, opts ...Option) *Room {
	r := &Room{
		sessionID:               sessionID,
		status:                  StatusIdle,
		currentSpeaker:          "interviewer",
		clients:                 make(map[string]*Client),
		topics:                  make(map[string]string),
		announcedUtter:          make(map[string]bool),
		now:                     time.Now,
		coachingConfidenceFloor: defaultCoachingConfidenceFloor,
		maxCoachingPerSession:   defaultMaxCoachingPerSession,
		coachingCooldown:        defaultCoachingCooldown,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = &logging.NoOpLogger{}
	}
	return r
}

// Status returns the room's current lifecycle status.
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsEmpty reports whether the room currently has no connected clients.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}

// AddClient registers a new client. A second interviewer is rejected
// with ErrDuplicateInterviewer and not added.
func (r *Room) AddClient(c *Client) error {
	r.mu.Lock()
	if c.Role == RoleInterviewer {
		for _, existing := range r.clients {
			if existing.Role == RoleInterviewer {
				r.mu.Unlock()
				return ErrDuplicateInterviewer
			}
		}
	}
	c.JoinedAt = r.now()
	c.LastPongAt = r.now()
	c.Alive = true
	r.clients[c.ID] = c
	status := r.status
	sessionID := r.sessionID
	r.mu.Unlock()

	c.Conn.Send(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(status), SessionID: sessionID})
	r.broadcastObserverCount()
	metrics.ConnectedClients.WithLabelValues(string(c.Role)).Inc()
	return nil
}

// RemoveClient unregisters a client. If it was the interviewer during
// running, the room auto-pauses rather than ending.
func (r *Room) RemoveClient(clientID string) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, clientID)
	wasInterviewer := c.Role == RoleInterviewer
	running := r.status == StatusRunning
	if wasInterviewer && running {
		r.status = StatusPaused
	}
	newStatus := r.status
	r.mu.Unlock()

	if wasInterviewer && running {
		r.log.Info("room: interviewer disconnected, auto-pausing", "sessionId", r.sessionID)
		r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(newStatus), SessionID: r.sessionID})
	}
	r.broadcastObserverCount()
	metrics.ConnectedClients.WithLabelValues(string(c.Role)).Dec()
}

// HandleMessage routes one decoded client frame per the room's dispatch
// table. clientID must already be registered via AddClient.
func (r *Room) HandleMessage(ctx context.Context, clientID string, in protocol.Inbound) {
	r.mu.Lock()
	client, ok := r.clients[clientID]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch in.Type {
	case protocol.TypeSessionStart:
		r.handleSessionStart(ctx, client, in.Raw)
	case protocol.TypeSessionPause:
		r.handleSessionPause(client)
	case protocol.TypeSessionResume:
		r.handleSessionResume(client)
	case protocol.TypeSessionStop:
		r.handleSessionStop(client)
	case protocol.TypeAudioChunk:
		r.handleAudioChunk(ctx, client, in.Raw)
	case protocol.TypeInsightFlag:
		r.handleInsightFlag(client, in.Raw)
	case protocol.TypeCoachingRespond:
		r.handleCoachingRespond(client, in.Raw)
	case protocol.TypeCoachingPull:
		r.handleCoachingPull(ctx)
	case protocol.TypeTopicUpdate:
		r.handleTopicUpdate(client, in.Raw)
	case protocol.TypeSpeakerToggle:
		r.handleSpeakerToggle()
	case protocol.TypeObserverJoin:
		// no-op beyond connection
	case protocol.TypeObserverComment:
		r.handleObserverComment(client, in.Raw)
	case protocol.TypeObserverQuestion:
		r.handleObserverQuestion(client, in.Raw)
	case protocol.TypePing:
		r.handlePing(client)
	default:
		r.sendError(client, protocol.ErrUnknownMessage, "unrecognized message type")
	}
}

func (r *Room) handleSessionStart(ctx context.Context, client *Client, raw json.RawMessage) {
	if client.Role != RoleInterviewer {
		client.Conn.Send(protocol.SessionErrorOut{Type: protocol.TypeSessionError, Code: protocol.ErrUnauthorized, Message: "only the interviewer may start a session"})
		return
	}

	var payload protocol.SessionStartPayload
	json.Unmarshal(raw, &payload)

	r.mu.Lock()
	if r.status != StatusIdle && r.status != StatusReady {
		status := r.status
		r.mu.Unlock()
		r.log.Debug("room: rejected session.start", "status", status)
		r.sendError(client, protocol.ErrInvalidState, "session already started")
		return
	}
	r.mu.Unlock()

	var botID string
	if payload.MeetingURL != "" && r.botClient != nil {
		id, err := r.botClient.RequestBot(r.sessionID, payload.MeetingURL)
		if err != nil {
			r.log.Warn("room: bot request failed", "err", err)
		} else {
			botID = id
		}
	}

	if r.relayFac == nil {
		r.mu.Lock()
		r.status = StatusReady
		r.mu.Unlock()
		r.log.Error("room: no relay factory configured")
		r.broadcastToAll(protocol.SessionErrorOut{Type: protocol.TypeSessionError, Code: protocol.ErrOpenAIError, Message: "speech service is not configured"})
		return
	}

	rl := r.relayFac(relay.Config{
		SessionID: r.sessionID,
		Callbacks: relay.Callbacks{
			OnUtterance:       r.onUtterance,
			OnUtteranceUpdate: r.onUtteranceUpdate,
			OnCoachingEvent:   r.onCoachingEvent,
			OnError:           r.onRelayError,
		},
	}, r.log)

	if err := rl.Connect(ctx); err != nil {
		r.mu.Lock()
		r.status = StatusReady
		r.mu.Unlock()
		r.log.Error("room: relay connect failed", "err", err)
		r.broadcastToAll(protocol.SessionErrorOut{Type: protocol.TypeSessionError, Code: protocol.ErrOpenAIError, Message: "failed to connect to speech service"})
		return
	}

	r.mu.Lock()
	r.relayHandle = rl
	r.botID = botID
	if r.startedAt.IsZero() {
		r.startedAt = r.now()
	}
	r.status = StatusRunning
	r.mu.Unlock()

	r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(StatusRunning), SessionID: r.sessionID})
}

func (r *Room) handleSessionPause(client *Client) {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		r.sendError(client, protocol.ErrInvalidState, "not running")
		return
	}
	r.status = StatusPaused
	r.mu.Unlock()
	r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(StatusPaused), SessionID: r.sessionID})
}

func (r *Room) handleSessionResume(client *Client) {
	r.mu.Lock()
	if r.status != StatusPaused {
		r.mu.Unlock()
		r.sendError(client, protocol.ErrInvalidState, "not paused")
		return
	}
	r.status = StatusRunning
	r.mu.Unlock()
	r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(StatusRunning), SessionID: r.sessionID})
}

func (r *Room) handleSessionStop(client *Client) {
	r.mu.Lock()
	if r.status == StatusEnded {
		r.mu.Unlock()
		return // idempotent
	}
	r.status = StatusEnding
	rl := r.relayHandle
	botID := r.botID
	r.mu.Unlock()

	if r.botClient != nil && botID != "" {
		if err := r.botClient.StopBot(botID); err != nil {
			r.log.Warn("room: stop bot failed", "err", err)
		}
	}
	if rl != nil {
		rl.Close()
	}

	r.mu.Lock()
	r.status = StatusEnded
	r.relayHandle = nil
	r.mu.Unlock()

	r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(StatusEnded), SessionID: r.sessionID})
}

func (r *Room) handleAudioChunk(ctx context.Context, client *Client, raw json.RawMessage) {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return // dropped: relay only exists in running|paused|ending and audio is only accepted while running
	}
	rl := r.relayHandle
	r.mu.Unlock()
	if rl == nil {
		return
	}

	var payload protocol.AudioChunkPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		r.sendError(client, protocol.ErrInvalidMessage, "malformed audio.chunk")
		return
	}
	frame, err := audioutil.FromBase64(payload.Data)
	if err != nil {
		r.sendError(client, protocol.ErrInvalidMessage, "invalid base64 audio")
		return
	}
	rl.WriteAudio(ctx, frame)
}

func (r *Room) handleInsightFlag(client *Client, raw json.RawMessage) {
	var payload protocol.InsightFlagPayload
	json.Unmarshal(raw, &payload)
	r.log.Info("room: insight flagged", "sessionId", r.sessionID, "timestamp", payload.Timestamp, "note", payload.Note)
}

func (r *Room) handleCoachingRespond(client *Client, raw json.RawMessage) {
	var payload protocol.CoachingRespondPayload
	json.Unmarshal(raw, &payload)
	if payload.Response == "dismissed" {
		r.broadcastToRole(RoleInterviewer, protocol.CoachingDismissOut{Type: protocol.TypeCoachingDismiss, EventID: payload.EventID})
	}
}

func (r *Room) handleCoachingPull(ctx context.Context) {
	r.mu.Lock()
	rl := r.relayHandle
	r.mu.Unlock()
	if rl != nil {
		rl.RequestCoaching(ctx)
	}
}

func (r *Room) handleTopicUpdate(client *Client, raw json.RawMessage) {
	var payload protocol.TopicUpdatePayload
	json.Unmarshal(raw, &payload)
	if payload.TopicName == "" {
		return
	}
	r.mu.Lock()
	r.topics[payload.TopicName] = payload.Status
	r.mu.Unlock()
	r.broadcastToAll(protocol.AnalysisTopicOut{Type: protocol.TypeAnalysisTopic, Topic: TopicUpdate{TopicName: payload.TopicName, Status: payload.Status}})
}

func (r *Room) handleSpeakerToggle() {
	r.mu.Lock()
	if r.currentSpeaker == "interviewer" {
		r.currentSpeaker = "participant"
	} else {
		r.currentSpeaker = "interviewer"
	}
	r.mu.Unlock()
}

func (r *Room) handleObserverComment(client *Client, raw json.RawMessage) {
	if client.Role != RoleObserver {
		r.sendError(client, protocol.ErrUnauthorized, "only observers may comment")
		return
	}
	var payload protocol.ObserverCommentPayload
	json.Unmarshal(raw, &payload)

	comment := ObserverComment{
		ID:         uuid.NewString(),
		AuthorID:   client.ID,
		AuthorName: authorName(client),
		Text:       payload.Text,
		Timestamp:  payload.Timestamp,
		CreatedAt:  r.now(),
	}
	r.broadcastToAll(protocol.ObserverCommentOut{Type: protocol.TypeObserverComment, Comment: comment})
}

func (r *Room) handleObserverQuestion(client *Client, raw json.RawMessage) {
	if client.Role != RoleObserver {
		r.sendError(client, protocol.ErrUnauthorized, "only observers may ask questions")
		return
	}
	var payload protocol.ObserverQuestionPayload
	json.Unmarshal(raw, &payload)

	r.broadcastToRole(RoleInterviewer, protocol.ObserverQuestionOut{
		Type:     protocol.TypeObserverQuestion,
		Question: payload.Text,
		From:     authorName(client),
	})
}

func (r *Room) handlePing(client *Client) {
	r.mu.Lock()
	client.LastPongAt = r.now()
	client.Alive = true
	r.mu.Unlock()
	client.Conn.Send(protocol.PongOut{Type: protocol.TypePong})
}

// NotifyBotJoined handles the bot webhook's join_call event.
func (r *Room) NotifyBotJoined() {
	r.mu.Lock()
	r.status = StatusRunning
	r.mu.Unlock()
	r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(StatusRunning), SessionID: r.sessionID})
}

// NotifyBotLeft handles the bot webhook's leave_call event.
func (r *Room) NotifyBotLeft() {
	r.mu.Lock()
	r.status = StatusEnding
	r.mu.Unlock()
	r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(StatusEnding), SessionID: r.sessionID})
}

// NotifyMediaDone handles the bot webhook's media.done event: the
// recording and transcript are final, so the session ends.
func (r *Room) NotifyMediaDone() {
	r.mu.Lock()
	rl := r.relayHandle
	r.relayHandle = nil
	r.status = StatusEnded
	r.mu.Unlock()
	if rl != nil {
		rl.Close()
	}
	r.broadcastToAll(protocol.SessionStatusOut{Type: protocol.TypeSessionStatus, Status: string(StatusEnded), SessionID: r.sessionID})
}

// NotifyBotFatal handles a webhook status_change event carrying a fatal
// status code: the bot can no longer produce audio.
func (r *Room) NotifyBotFatal(message string) {
	r.broadcastToAll(protocol.SessionErrorOut{Type: protocol.TypeSessionError, Code: protocol.ErrRecallBotFatal, Message: message})
}

// ForgeUtterance accepts an utterance sourced directly from the bot's
// own transcript webhook event, bypassing the relay entirely. It is
// subject to the same talk-time accounting and broadcast as a
// relay-sourced utterance, but never touches the relay's own counters.
func (r *Room) ForgeUtterance(u relay.Utterance) {
	r.onUtterance(u)
}

// HandleRecallAudio routes raw bot audio frames into the relay while
// the session is running, mirroring handleAudioChunk's admission rule.
func (r *Room) HandleRecallAudio(ctx context.Context, frame []byte) {
	r.mu.Lock()
	rl := r.relayHandle
	running := r.status == StatusRunning
	r.mu.Unlock()
	if running && rl != nil {
		rl.WriteAudio(ctx, frame)
	}
}

func authorName(c *Client) string {
	if c.UserName != "" {
		return c.UserName
	}
	return "Observer"
}

// --- relay callbacks ---

func (r *Room) onUtterance(u relay.Utterance) {
	r.mu.Lock()
	r.utteranceCount++
	count := r.utteranceCount
	switch u.Speaker {
	case "interviewer":
		r.talkTimeInterviewer += u.EndTime - u.StartTime
	default:
		r.talkTimeParticipant += u.EndTime - u.StartTime
	}
	interviewerMs, participantMs := r.talkTimeInterviewer, r.talkTimeParticipant
	cooldownOK := r.now().Sub(r.lastCoachingAt) >= r.coachingCooldown
	rl := r.relayHandle
	delete(r.announcedUtter, u.ID)
	r.mu.Unlock()

	r.broadcastToAll(protocol.TranscriptFinalizedOut{Type: protocol.TypeTranscriptFinal, UtteranceID: u.ID, Utterance: u})
	r.broadcastTalkTime(interviewerMs, participantMs)

	if count%cadenceEvery == 0 && cooldownOK && rl != nil {
		rl.RequestCoaching(context.Background())
	}
}

func (r *Room) onUtteranceUpdate(id, partial string) {
	r.mu.Lock()
	announced := r.announcedUtter[id]
	if !announced {
		r.announcedUtter[id] = true
	}
	r.mu.Unlock()

	if !announced {
		r.broadcastToAll(protocol.TranscriptUtteranceOut{Type: protocol.TypeTranscriptUtter, Utterance: relay.Utterance{ID: id, SessionID: r.sessionID, Text: partial}})
		return
	}
	r.broadcastToAll(protocol.TranscriptUpdateOut{Type: protocol.TypeTranscriptUpdate, UtteranceID: id, Text: partial})
}

func (r *Room) onCoachingEvent(ev relay.CoachingEvent) {
	r.mu.Lock()
	if ev.Confidence < r.coachingConfidenceFloor {
		r.mu.Unlock()
		r.log.Debug("room: coaching dropped, below confidence floor", "confidence", ev.Confidence)
		metrics.CoachingDropped.WithLabelValues("confidence").Inc()
		return
	}
	if r.coachingEventCount >= r.maxCoachingPerSession {
		r.mu.Unlock()
		r.log.Debug("room: coaching dropped, cap reached")
		metrics.CoachingDropped.WithLabelValues("cap").Inc()
		return
	}
	if r.now().Sub(r.lastCoachingAt) < r.coachingCooldown {
		r.mu.Unlock()
		r.log.Debug("room: coaching dropped, within cooldown")
		metrics.CoachingDropped.WithLabelValues("cooldown").Inc()
		return
	}

	r.coachingEventCount++
	r.lastCoachingAt = r.now()
	id := fmt.Sprintf("coach_%s_%d", r.sessionID, r.coachingEventCount)
	r.mu.Unlock()
	metrics.CoachingAdmitted.Inc()

	prompt := CoachingPrompt{
		ID:          id,
		SessionID:   r.sessionID,
		PromptType:  ev.PromptType,
		PromptText:  ev.PromptText,
		Confidence:  ev.Confidence,
		Explanation: ev.Explanation,
		DisplayedAt: r.now(),
	}
	r.broadcastToRole(RoleInterviewer, protocol.CoachingPromptOut{Type: protocol.TypeCoachingPrompt, Event: prompt})
}

func (r *Room) onRelayError(err error) {
	r.log.Error("room: relay error", "sessionId", r.sessionID, "err", err)
	r.broadcastToAll(protocol.SessionErrorOut{Type: protocol.TypeSessionError, Code: protocol.ErrOpenAIError, Message: err.Error()})
}

func (r *Room) broadcastTalkTime(interviewerMs, participantMs int64) {
	total := interviewerMs + participantMs
	if total == 0 {
		return
	}
	interviewerPct := int(math.Round(float64(interviewerMs) / float64(total) * 100))
	participantPct := 100 - interviewerPct

	status := "good"
	switch {
	case interviewerPct > 55:
		status = "over_talking"
	case interviewerPct > 40:
		status = "warning"
	}

	r.broadcastToAll(protocol.AnalysisTalktimeOut{Type: protocol.TypeAnalysisTalktime, Ratio: TalkTimeRatio{
		Interviewer: interviewerPct,
		Participant: participantPct,
		Status:      status,
	}})
}

// --- fan-out ---

func (r *Room) broadcastToAll(v interface{}) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c.Conn)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Send(v)
	}
}

func (r *Room) broadcastToRole(role Role, v interface{}) {
	r.mu.Lock()
	conns := make([]Conn, 0)
	for _, c := range r.clients {
		if c.Role == role {
			conns = append(conns, c.Conn)
		}
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Send(v)
	}
}

func (r *Room) broadcastObserverCount() {
	r.mu.Lock()
	count := 0
	for _, c := range r.clients {
		if c.Role == RoleObserver {
			count++
		}
	}
	r.mu.Unlock()
	r.broadcastToAll(protocol.ObserverCountOut{Type: protocol.TypeObserverCount, Count: count})
}

func (r *Room) sendError(client *Client, code protocol.ErrorCode, msg string) {
	client.Conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: code, Message: msg})
}

// Destroy runs stop, then closes every client socket and clears the
// client map.
func (r *Room) Destroy() {
	r.handleSessionStop(&Client{Conn: noopConn{}})

	r.mu.Lock()
	conns := make([]Conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c.Conn)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(1000, "room closed")
	}
}

type noopConn struct{}

func (noopConn) Send(v interface{}) error        { return nil }
func (noopConn) Close(code int, reason string) error { return nil }
