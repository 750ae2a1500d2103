package session

import (
	"encoding/json"
	"time"
)

// Channel identifies the transport a session arrived on.
type Channel string

const (
	ChannelPhone   Channel = "phone"
	ChannelBrowser Channel = "browser-realtime"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusConnecting Status = "CONNECTING"
	StatusActive     Status = "ACTIVE"
	StatusEnding     Status = "ENDING"
	StatusEnded      Status = "ENDED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// legalNext maps each non-terminal status to its allowed successors.
// FAILED is reachable from every non-terminal state.
var legalNext = map[Status][]Status{
	StatusCreated:    {StatusConnecting, StatusEnding, StatusFailed},
	StatusConnecting: {StatusActive, StatusEnding, StatusFailed},
	StatusActive:     {StatusEnding, StatusFailed},
	StatusEnding:     {StatusEnded, StatusFailed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range legalNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SubState describes whose turn it is while a session is ACTIVE. It is
// informational only and never gates a transition.
type SubState string

const (
	SubListening SubState = "LISTENING"
	SubThinking  SubState = "THINKING"
	SubSpeaking  SubState = "SPEAKING"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one conversational unit. Turns are immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LatencyMs float64   `json:"latency_ms,omitempty"`
}

// ToolInvocation records one function call dispatched during a session.
// Append-only, same rationale as Turn.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot is an immutable copy of a session's state, safe to hand outside
// the manager. Turn and invocation slices are copied on read.
type Snapshot struct {
	ID           string           `json:"id"`
	Channel      Channel          `json:"channel"`
	Caller       string           `json:"caller"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	Status       Status           `json:"status"`
	SubState     SubState         `json:"sub_state,omitempty"`
	Turns        []Turn           `json:"turns"`
	Invocations  []ToolInvocation `json:"tool_invocations"`
	RecordingRef string           `json:"recording_ref,omitempty"`
	FailReason   string           `json:"fail_reason,omitempty"`
}

// session is the mutable record. All access goes through the Manager, which
// serializes mutation per session.
type session struct {
	id           string
	channel      Channel
	caller       string
	startedAt    time.Time
	endedAt      *time.Time
	status       Status
	subState     SubState
	turns        []Turn
	invocations  []ToolInvocation
	recordingRef string
	failReason   string
}

func (s *session) snapshot() Snapshot {
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	invs := make([]ToolInvocation, len(s.invocations))
	copy(invs, s.invocations)
	return Snapshot{
		ID:           s.id,
		Channel:      s.channel,
		Caller:       s.caller,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		Status:       s.status,
		SubState:     s.subState,
		Turns:        turns,
		Invocations:  invs,
		RecordingRef: s.recordingRef,
		FailReason:   s.failReason,
	}
}
