// Package ws terminates telephony websocket connections and runs one bridge
// per call, with admission control shared across all calls.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voicebridge/internal/audio"
	"github.com/hubenschmidt/voicebridge/internal/bridge"
	"github.com/hubenschmidt/voicebridge/internal/convo"
	"github.com/hubenschmidt/voicebridge/internal/metrics"
	"github.com/hubenschmidt/voicebridge/internal/realtime"
	"github.com/hubenschmidt/voicebridge/internal/session"
	"github.com/hubenschmidt/voicebridge/internal/tools"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DialFunc opens the backend leg for one call. Injectable for tests.
type DialFunc func(ctx context.Context, cfg realtime.Config) (bridge.RealtimeClient, error)

// HandlerConfig holds the shared collaborators for all call sessions.
type HandlerConfig struct {
	Manager *session.Manager
	Tools   *tools.Registry
	Profile convo.Profile

	// Backend is the per-call client template; instructions and tool
	// definitions are filled in per session.
	Backend realtime.Config
	Dial    DialFunc

	MaxConcurrent   int
	MaxCallDuration time.Duration
	Utterance       audio.UtteranceConfig
	ToolGrace       time.Duration
	RecordDir       string
}

// Handler manages websocket call sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, rcfg realtime.Config) (bridge.RealtimeClient, error) {
			return realtime.Dial(ctx, rcfg)
		}
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and runs the call to completion.
// Returns 503 when at capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runCall(r.Context(), conn)
}

func (h *Handler) runCall(ctx context.Context, conn *websocket.Conn) {
	start, err := readStart(conn)
	if err != nil {
		slog.Error("read start frame", "error", err)
		return
	}

	snap, err := h.cfg.Manager.Create(session.ChannelPhone, start.Caller)
	if err != nil {
		metrics.SessionsRejected.Inc()
		slog.Warn("session create refused", "error", err)
		return
	}
	id := snap.ID
	slog.Info("call started", "session_id", id, "call_id", start.CallID, "caller", start.Caller)

	stream := newMediaStream(conn, start.CallID, start.Caller)

	if err := h.cfg.Manager.Transition(id, session.StatusConnecting); err != nil {
		slog.Error("session transition", "session_id", id, "error", err)
		return
	}

	rcfg := h.cfg.Backend
	rcfg.Instructions = h.cfg.Profile.Instructions()
	rcfg.Tools = h.cfg.Tools.Definitions()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := h.cfg.Dial(dialCtx, rcfg)
	cancel()
	if err != nil {
		h.cfg.Manager.Fail(id, fmt.Sprintf("backend dial: %v", err))
		return
	}

	if err := h.cfg.Manager.Transition(id, session.StatusActive); err != nil {
		client.Close()
		slog.Error("session transition", "session_id", id, "error", err)
		return
	}

	err = bridge.Run(ctx, bridge.Config{
		SessionID:       id,
		Manager:         h.cfg.Manager,
		Client:          client,
		Stream:          stream,
		Tools:           h.cfg.Tools,
		MaxCallDuration: h.cfg.MaxCallDuration,
		Utterance:       h.cfg.Utterance,
		ToolGrace:       h.cfg.ToolGrace,
		RecordDir:       h.cfg.RecordDir,
	})
	if err != nil {
		slog.Error("call failed", "session_id", id, "error", err)
		return
	}
	slog.Info("call ended", "session_id", id)
}

// readStart consumes the first text frame, which must be the start metadata.
func readStart(conn *websocket.Conn) (*mediaFrame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f mediaFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Event != "start" {
		return nil, fmt.Errorf("expected start frame, got %q", f.Event)
	}
	return &f, nil
}
