package realtime

import "encoding/json"

// EventType classifies a backend event after protocol decoding.
type EventType string

const (
	// EventSessionReady fires once the backend has acknowledged the session
	// configuration and is ready for audio.
	EventSessionReady EventType = "session_ready"

	// EventSpeechStarted and EventSpeechStopped are the backend's server-side
	// VAD boundaries on the caller's audio.
	EventSpeechStarted EventType = "speech_started"
	EventSpeechStopped EventType = "speech_stopped"

	// EventAudioDelta carries one chunk of synthesized agent audio,
	// already base64-decoded to pcm16 bytes.
	EventAudioDelta EventType = "audio_delta"

	// EventTranscriptDelta is an incremental transcript of the agent's
	// spoken output.
	EventTranscriptDelta EventType = "transcript_delta"

	// EventInputTranscript is the completed transcription of one caller
	// utterance.
	EventInputTranscript EventType = "input_transcript"

	// EventResponseDone marks the end of one agent response.
	EventResponseDone EventType = "response_done"

	// EventFunctionCall asks the application to execute a tool. The result
	// must be returned via SendToolResult with the same CallID.
	EventFunctionCall EventType = "function_call"

	// EventError is a backend or transport error. Fatal errors are followed
	// by channel close; everything else is recoverable.
	EventError EventType = "error"
)

// Event is one decoded backend event. Fields are populated per type.
type Event struct {
	Type EventType

	// EventAudioDelta
	Audio []byte

	// EventTranscriptDelta, EventInputTranscript
	Text string

	// EventFunctionCall
	CallID    string
	Name      string
	Arguments json.RawMessage

	// EventError
	Code    string
	Message string
	Fatal   bool
}

// serverEvent is the wire shape of a backend event. Only the fields the
// bridge consumes are decoded.
type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
