// Package relay implements SpeechRelay: the long-lived client connection
// to the external streaming speech/LLM service. It gates outbound audio
// by voice activity, commits turns on sustained silence, parses inbound
// events into typed utterances and coaching candidates, and reconnects
// with bounded exponential backoff.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/interview-coach/pkg/logging"
	"github.com/lokutor-ai/interview-coach/pkg/metrics"
	"github.com/lokutor-ai/interview-coach/pkg/vad"
)

// State is the relay's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateConfigured   State = "configured"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateClosed       State = "closed"
)

const (
	connectDeadline  = 15 * time.Second
	graceTailFrames  = 25
	maxReconnect     = 3
	defaultFrameSize = 480
)

// Callbacks are bound once at construction. Each is invoked synchronously
// from the relay's receive loop or audio-admission path; implementations
// must not block (the owning room forwards these into its own queue).
type Callbacks struct {
	OnUtterance       func(Utterance)
	OnUtteranceUpdate func(id, partial string)
	OnCoachingEvent   func(CoachingEvent)
	OnError           func(error)
	OnStateChange     func(State)
}

// Config are the construction inputs for a Relay.
type Config struct {
	SessionID       string
	Topics          []string
	CulturalContext string
	Callbacks       Callbacks

	VADThreshold    float64
	MaxSilentFrames int

	// ConnectDeadline and MaxReconnect default to the spec-pinned 15s
	// and 3 attempts; overridable so a test harness can shrink them.
	ConnectDeadline time.Duration
	MaxReconnect    int

	// Now is the clock used to stamp utterance times; defaults to
	// time.Now. Overridable so tests get deterministic timestamps.
	Now func() time.Time
}

// Relay is a stateful client of the external streaming speech/LLM
// service.
type Relay struct {
	cfg       Config
	transport Transport
	log       logging.Logger
	detector  *vad.Detector

	mu    sync.Mutex
	state State

	isSendingAudio bool
	graceRemaining int
	uttCounter     int
	currentUttID   string
	currentStart   int64
	partialText    strings.Builder

	reconnectAttempt int
	closeOnce        sync.Once
	cancelRecv       context.CancelFunc
}

// New builds a Relay bound to the given transport. Connect must be
// called before WriteAudio or RequestCoaching have any effect.
func New(cfg Config, transport Transport, log logging.Logger) *Relay {
	if cfg.VADThreshold == 0 {
		cfg.VADThreshold = 0.008
	}
	if cfg.MaxSilentFrames == 0 {
		cfg.MaxSilentFrames = 150
	}
	if cfg.ConnectDeadline == 0 {
		cfg.ConnectDeadline = connectDeadline
	}
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = maxReconnect
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = &logging.NoOpLogger{}
	}

	return &Relay{
		cfg:       cfg,
		transport: transport,
		log:       log,
		detector: vad.NewDetector(vad.Config{
			EnergyThreshold: cfg.VADThreshold,
			SilenceFrames:   cfg.MaxSilentFrames,
			SpeechFrames:    3,
			FrameSize:       defaultFrameSize,
		}),
		state: StateDisconnected,
	}
}

// State returns the relay's current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	cb := r.cfg.Callbacks.OnStateChange
	r.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Connect opens the streaming connection under a 15s deadline, sends the
// session.update configuration, and starts the receive loop. Returns
// ErrConnectTimeout if the deadline elapses first.
func (r *Relay) Connect(ctx context.Context) error {
	r.setState(StateConnecting)

	if err := connectWithDeadline(ctx, r.transport, r.cfg.ConnectDeadline); err != nil {
		r.setState(StateError)
		return err
	}
	r.setState(StateConnected)

	if err := r.sendSessionUpdate(ctx); err != nil {
		r.setState(StateError)
		return fmt.Errorf("relay: session.update: %w", err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancelRecv = cancel
	r.mu.Unlock()
	go r.receiveLoop(recvCtx)

	return nil
}

func (r *Relay) sendSessionUpdate(ctx context.Context) error {
	evt := sessionUpdateEvent{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:       []string{"text"},
			InputAudioFormat: "pcm16",
			InputAudioTranscription: &transcription{
				Model: "whisper-1",
			},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
			Instructions:            r.instructions(),
			Temperature:             0.6,
			MaxResponseOutputTokens: 300,
		},
	}
	return r.transport.Send(ctx, evt)
}

func (r *Relay) instructions() string {
	var b strings.Builder
	b.WriteString("Provide silence-first interview coaching suggestions.")
	if len(r.cfg.Topics) > 0 {
		b.WriteString(" Topics: ")
		b.WriteString(strings.Join(r.cfg.Topics, ", "))
		b.WriteString(".")
	}
	if r.cfg.CulturalContext != "" {
		b.WriteString(" Cultural context: ")
		b.WriteString(r.cfg.CulturalContext)
		b.WriteString(".")
	}
	return b.String()
}

// WriteAudio runs one PCM16 frame through VAD-gated admission. Speech
// frames are appended immediately; silence after speech is appended for
// graceTailFrames more frames, then the turn commits. Silence that never
// followed speech is dropped (a cost-control invariant).
func (r *Relay) WriteAudio(ctx context.Context, frame []byte) error {
	result := r.detector.Process(frame)

	r.mu.Lock()
	sending := r.isSendingAudio
	if result.IsSpeech {
		r.isSendingAudio = true
		r.graceRemaining = graceTailFrames
	}
	r.mu.Unlock()

	switch {
	case result.IsSpeech:
		return r.appendAudio(ctx, frame)
	case sending:
		r.mu.Lock()
		r.graceRemaining--
		remaining := r.graceRemaining
		r.mu.Unlock()

		if remaining >= 0 {
			return r.appendAudio(ctx, frame)
		}

		r.mu.Lock()
		r.isSendingAudio = false
		r.mu.Unlock()
		return r.commitAudio(ctx)
	default:
		return nil
	}
}

func (r *Relay) appendAudio(ctx context.Context, frame []byte) error {
	return r.transport.Send(ctx, audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
}

func (r *Relay) commitAudio(ctx context.Context) error {
	return r.transport.Send(ctx, audioCommitEvent{Type: "input_audio_buffer.commit"})
}

// RequestCoaching asks the external service for an immediate coaching
// evaluation, bypassing the room's cadence trigger. Admission (confidence
// floor, cap, cooldown) still happens at the room.
func (r *Relay) RequestCoaching(ctx context.Context) error {
	return r.transport.Send(ctx, responseCreateEvent{
		Type:     "response.create",
		Response: responseRequest{Instructions: coachingDirective},
	})
}

func (r *Relay) receiveLoop(ctx context.Context) {
	for {
		data, err := r.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.handleDisconnect(err)
			return
		}
		r.handleEvent(data)
	}
}

func (r *Relay) handleDisconnect(cause error) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state == StateClosed {
		return
	}

	if !r.reconnect() {
		r.setState(StateError)
		metrics.RelayErrors.Inc()
		if cb := r.cfg.Callbacks.OnError; cb != nil {
			cb(fmt.Errorf("relay: %w: %v", ErrReconnectCapped, cause))
		}
	}
}

// reconnect retries Connect with backoff delay(k) = min(1000*2^k, 16000)ms,
// up to maxReconnect attempts. Returns true on a successful reconnect.
func (r *Relay) reconnect() bool {
	r.mu.Lock()
	r.reconnectAttempt++
	attempt := r.reconnectAttempt
	r.mu.Unlock()

	if attempt > r.cfg.MaxReconnect {
		return false
	}

	r.setState(StateReconnecting)
	metrics.RelayReconnects.Inc()
	delay := backoffDelay(attempt)
	time.Sleep(delay)

	if err := r.Connect(context.Background()); err != nil {
		return r.reconnect()
	}

	r.mu.Lock()
	r.reconnectAttempt = 0
	r.mu.Unlock()
	return true
}

func backoffDelay(attempt int) time.Duration {
	ms := 1000 * (1 << uint(attempt))
	if ms > 16000 {
		ms = 16000
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *Relay) handleEvent(data []byte) {
	var evt inboundEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return
	}

	switch evt.Type {
	case eventSessionCreated:
		r.log.Debug("relay: session created", "sessionId", r.cfg.SessionID)
	case eventSessionUpdated:
		r.log.Debug("relay: session updated", "sessionId", r.cfg.SessionID)
		r.setState(StateConfigured)
	case eventSpeechStarted:
		r.beginUtterance()
	case eventTranscriptionDelta:
		r.appendPartial(evt.Delta)
	case eventTranscriptionComplete:
		r.finalizeUtterance(evt.Transcript)
	case eventTextDone, eventResponseOutput:
		r.handleModelText(evt.Text)
	case eventError:
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		if cb := r.cfg.Callbacks.OnError; cb != nil {
			cb(fmt.Errorf("relay: %s", msg))
		}
	default:
		// ignore
	}
}

func (r *Relay) beginUtterance() {
	r.mu.Lock()
	r.uttCounter++
	id := fmt.Sprintf("utt_%s_%d", r.cfg.SessionID, r.uttCounter)
	r.currentUttID = id
	r.currentStart = r.cfg.Now().UnixMilli()
	r.partialText.Reset()
	r.mu.Unlock()
}

func (r *Relay) appendPartial(delta string) {
	if delta == "" {
		return
	}
	r.mu.Lock()
	r.partialText.WriteString(delta)
	id := r.currentUttID
	text := r.partialText.String()
	r.mu.Unlock()

	if id == "" {
		return
	}
	if cb := r.cfg.Callbacks.OnUtteranceUpdate; cb != nil {
		cb(id, text)
	}
}

func (r *Relay) finalizeUtterance(transcript string) {
	r.mu.Lock()
	id := r.currentUttID
	start := r.currentStart
	if transcript == "" {
		transcript = r.partialText.String()
	}
	r.currentUttID = ""
	r.partialText.Reset()
	r.mu.Unlock()

	if id == "" {
		return
	}
	if cb := r.cfg.Callbacks.OnUtterance; cb != nil {
		cb(Utterance{
			ID:         id,
			SessionID:  r.cfg.SessionID,
			Speaker:    "participant",
			Text:       transcript,
			StartTime:  start,
			EndTime:    r.cfg.Now().UnixMilli(),
			Confidence: 0.9,
		})
	}
}

// handleModelText implements the defensive JSON-then-heuristic parse of
// text.done / response output: a well-formed {"type":"coaching",...}
// object with confidence >= 0.85 fires OnCoachingEvent; a JSON parse
// failure on a 5-200 character text fires a FOLLOW_UP placeholder at
// confidence 0.7.
func (r *Relay) handleModelText(text string) {
	if text == "" {
		return
	}

	var payload coachingPayload
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		if payload.Type != "coaching" {
			return
		}
		if payload.Confidence < 0.85 {
			return
		}
		r.emitCoaching(CoachingEvent{
			PromptType:  PromptType(payload.PromptType),
			PromptText:  payload.PromptText,
			Confidence:  payload.Confidence,
			Explanation: payload.Explanation,
		})
		return
	}

	if len(text) >= 5 && len(text) <= 200 {
		r.emitCoaching(CoachingEvent{
			PromptType: PromptFollowUp,
			PromptText: text,
			Confidence: 0.7,
		})
	}
}

func (r *Relay) emitCoaching(ev CoachingEvent) {
	ev.SessionID = r.cfg.SessionID
	if cb := r.cfg.Callbacks.OnCoachingEvent; cb != nil {
		cb(ev)
	}
}

// Close is idempotent. It cancels the receive loop, closes the
// transport with normal closure, and resets VAD state.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancelRecv
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		err = r.transport.Close(1000, "normal closure")
		r.detector.Reset()
		r.setState(StateClosed)
	})
	return err
}
