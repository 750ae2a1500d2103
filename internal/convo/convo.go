// Package convo assembles the conversational identity for a call session:
// the system instructions sent to the speech backend and helpers for
// building turn records. It performs no I/O.
package convo

import (
	"strings"
	"time"

	"github.com/hubenschmidt/voicebridge/internal/session"
)

const defaultInstructions = "You are a helpful voice agent. Keep responses concise and conversational."

// Profile describes the agent persona and the business it represents.
type Profile struct {
	AgentName string
	Business  string
	Policies  []string
	Rules     []string
	Greeting  string
}

// Instructions renders the profile into the system-context string handed to
// the backend at session configuration time. An empty profile falls back to
// a generic voice-agent prompt.
func (p Profile) Instructions() string {
	var b strings.Builder
	switch {
	case p.AgentName != "" && p.Business != "":
		b.WriteString("You are " + p.AgentName + ", a voice agent for " + p.Business + ".")
	case p.AgentName != "":
		b.WriteString("You are " + p.AgentName + ", a helpful voice agent.")
	default:
		b.WriteString(defaultInstructions)
	}
	b.WriteString(" You are speaking with a caller over the phone, so keep replies short and natural.")

	if len(p.Policies) > 0 {
		b.WriteString("\n\nBusiness policies:")
		for _, pol := range p.Policies {
			b.WriteString("\n- " + pol)
		}
	}
	if len(p.Rules) > 0 {
		b.WriteString("\n\nConversation rules:")
		for _, r := range p.Rules {
			b.WriteString("\n- " + r)
		}
	}
	if p.Greeting != "" {
		b.WriteString("\n\nGreet the caller with: \"" + p.Greeting + "\"")
	}
	return b.String()
}

// UserTurn builds a caller turn from a transcript.
func UserTurn(text string) session.Turn {
	return session.Turn{Role: session.RoleUser, Text: text, CreatedAt: time.Now().UTC()}
}

// AssistantTurn builds an agent turn, recording the latency from the end of
// caller speech to response completion. A zero speechEnded skips latency.
func AssistantTurn(text string, speechEnded time.Time) session.Turn {
	t := session.Turn{Role: session.RoleAssistant, Text: text, CreatedAt: time.Now().UTC()}
	if !speechEnded.IsZero() {
		t.LatencyMs = float64(time.Since(speechEnded)) / float64(time.Millisecond)
	}
	return t
}
