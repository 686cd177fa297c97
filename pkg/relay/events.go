package relay

// Outbound event shapes sent to the external streaming speech/LLM service,
// modeled on the OpenAI Realtime event vocabulary (session.update,
// input_audio_buffer.append/commit, response.create).

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string      `json:"modalities"`
	InputAudioFormat        string        `json:"input_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
	Instructions            string        `json:"instructions,omitempty"`
	Temperature             float64       `json:"temperature,omitempty"`
	MaxResponseOutputTokens int           `json:"max_response_output_tokens,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type audioCommitEvent struct {
	Type string `json:"type"`
}

type responseCreateEvent struct {
	Type     string          `json:"type"`
	Response responseRequest `json:"response"`
}

type responseRequest struct {
	Instructions string `json:"instructions"`
}

const coachingDirective = "Analyze the recent conversation. If there is a useful coaching suggestion, respond with a JSON object {\"type\":\"coaching\",\"promptType\":...,\"promptText\":...,\"confidence\":...}. Otherwise respond with a low-confidence SILENCE_OK placeholder."

// inboundEvent is the generic shape every event from the external service
// is first unmarshaled into; fields not present in a given event type are
// left zero.
type inboundEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Delta      string `json:"delta"`
	Text       string `json:"text"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// coachingPayload is the JSON shape the model is instructed to emit for a
// coaching candidate. Parsed defensively: try JSON first, then fall back
// to a length-bounded heuristic on the raw text.
type coachingPayload struct {
	Type         string  `json:"type"`
	PromptType   string  `json:"promptType"`
	PromptText   string  `json:"promptText"`
	Confidence   float64 `json:"confidence"`
	Explanation  string  `json:"explanation,omitempty"`
}

const (
	eventSessionCreated        = "session.created"
	eventSessionUpdated        = "session.updated"
	eventSpeechStarted         = "input_audio_buffer.speech_started"
	eventTranscriptionDelta    = "conversation.item.input_audio_transcription.delta"
	eventTranscriptionComplete = "conversation.item.input_audio_transcription.completed"
	eventTextDone              = "response.text.done"
	eventResponseOutput        = "response.output_item.done"
	eventError                 = "error"
)
