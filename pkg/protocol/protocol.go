// Package protocol defines the WireProtocol: the tagged union of JSON
// messages exchanged over the session WebSocket, and the server's error
// code taxonomy. Decoding is strict: an unrecognized "type" is rejected
// rather than silently ignored, so the caller can reply with
// UNKNOWN_MESSAGE before any handler runs.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminant carried by every frame.
type Type string

const (
	// Client -> server
	TypeSessionStart     Type = "session.start"
	TypeSessionPause     Type = "session.pause"
	TypeSessionResume    Type = "session.resume"
	TypeSessionStop      Type = "session.stop"
	TypeAudioChunk       Type = "audio.chunk"
	TypeInsightFlag      Type = "insight.flag"
	TypeCoachingRespond  Type = "coaching.respond"
	TypeCoachingPull     Type = "coaching.pull"
	TypeTopicUpdate      Type = "topic.update"
	TypeSpeakerToggle    Type = "speaker.toggle"
	TypeObserverJoin     Type = "observer.join"
	TypeObserverComment  Type = "observer.comment"
	TypeObserverQuestion Type = "observer.question"
	TypePing             Type = "ping"

	// Server -> client
	TypeSessionStatus      Type = "session.status"
	TypeSessionError       Type = "session.error"
	TypeTranscriptUtter    Type = "transcript.utterance"
	TypeTranscriptUpdate   Type = "transcript.update"
	TypeTranscriptFinal    Type = "transcript.finalized"
	TypeCoachingPrompt     Type = "coaching.prompt"
	TypeCoachingDismiss    Type = "coaching.dismiss"
	TypeAnalysisTopic      Type = "analysis.topic"
	TypeAnalysisTalktime   Type = "analysis.talktime"
	TypeObserverCount      Type = "observer.count"
	TypePong               Type = "pong"
	TypeError              Type = "error"
)

// ErrorCode is the closed set of error codes the server emits.
type ErrorCode string

const (
	ErrInvalidMessage ErrorCode = "INVALID_MESSAGE"
	ErrUnknownMessage ErrorCode = "UNKNOWN_MESSAGE"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrInvalidState   ErrorCode = "INVALID_STATE"
	ErrRecallError    ErrorCode = "RECALL_ERROR"
	ErrOpenAIError    ErrorCode = "OPENAI_ERROR"
	ErrRecallBotFatal ErrorCode = "RECALL_BOT_FATAL"
	ErrConnectTimeout ErrorCode = "CONNECT_TIMEOUT"
	ErrNetworkError   ErrorCode = "NETWORK_ERROR"
	ErrRateLimit      ErrorCode = "RATE_LIMIT"
)

// Envelope is the generic shape every inbound frame is first unmarshaled
// into: a type tag plus the raw payload, decoded per-type afterward.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// clientKnownTypes is the exhaustive set of client -> server message
// types. Decode rejects anything outside this set with ErrUnknownType.
var clientKnownTypes = map[Type]bool{
	TypeSessionStart:     true,
	TypeSessionPause:     true,
	TypeSessionResume:    true,
	TypeSessionStop:      true,
	TypeAudioChunk:       true,
	TypeInsightFlag:      true,
	TypeCoachingRespond:  true,
	TypeCoachingPull:     true,
	TypeTopicUpdate:      true,
	TypeSpeakerToggle:    true,
	TypeObserverJoin:     true,
	TypeObserverComment:  true,
	TypeObserverQuestion: true,
	TypePing:             true,
}

// Inbound is a decoded client -> server message: the type tag plus the
// full raw JSON object, so handlers can re-unmarshal into their own
// typed payload struct without losing unknown fields.
type Inbound struct {
	Type Type
	Raw  json.RawMessage
}

// Decode strictly parses one client frame. It rejects non-object JSON,
// missing "type", and any type outside clientKnownTypes.
func Decode(data []byte) (Inbound, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if probe.Type == "" {
		return Inbound{}, ErrMissingType
	}
	if !clientKnownTypes[probe.Type] {
		return Inbound{}, ErrUnknownType
	}
	return Inbound{Type: probe.Type, Raw: data}, nil
}

// --- client -> server payloads ---

type SessionStartPayload struct {
	MeetingURL  string `json:"meetingUrl,omitempty"`
	UseLocalMic bool   `json:"useLocalMic,omitempty"`
}

type AudioChunkPayload struct {
	Data string `json:"data"`
}

type InsightFlagPayload struct {
	Timestamp float64 `json:"timestamp"`
	Note      string  `json:"note,omitempty"`
}

type CoachingRespondPayload struct {
	EventID  string `json:"eventId"`
	Response string `json:"response"`
}

type TopicUpdatePayload struct {
	TopicName string `json:"topicName"`
	Status    string `json:"status"`
}

type ObserverCommentPayload struct {
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

type ObserverQuestionPayload struct {
	Text string `json:"text"`
}

// --- server -> client payloads ---

type SessionStatusOut struct {
	Type      Type   `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

type SessionErrorOut struct {
	Type    Type      `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type TranscriptUtteranceOut struct {
	Type      Type        `json:"type"`
	Utterance interface{} `json:"utterance"`
}

type TranscriptUpdateOut struct {
	Type        Type   `json:"type"`
	UtteranceID string `json:"utteranceId"`
	Text        string `json:"text"`
}

type TranscriptFinalizedOut struct {
	Type        Type        `json:"type"`
	UtteranceID string      `json:"utteranceId"`
	Utterance   interface{} `json:"utterance"`
}

type CoachingPromptOut struct {
	Type  Type        `json:"type"`
	Event interface{} `json:"event"`
}

type CoachingDismissOut struct {
	Type    Type   `json:"type"`
	EventID string `json:"eventId"`
}

type AnalysisTopicOut struct {
	Type  Type        `json:"type"`
	Topic interface{} `json:"topic"`
}

type AnalysisTalktimeOut struct {
	Type  Type        `json:"type"`
	Ratio interface{} `json:"ratio"`
}

type ObserverCountOut struct {
	Type  Type `json:"type"`
	Count int  `json:"count"`
}

type ObserverCommentOut struct {
	Type    Type        `json:"type"`
	Comment interface{} `json:"comment"`
}

type ObserverQuestionOut struct {
	Type     Type   `json:"type"`
	Question string `json:"question"`
	From     string `json:"from"`
}

type PongOut struct {
	Type Type `json:"type"`
}

type ErrorOut struct {
	Type    Type      `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
