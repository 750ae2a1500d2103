// Package realtime speaks the duplex websocket protocol of the
// speech-to-speech backend: session configuration, audio buffers, response
// lifecycle, and function calling. It exposes inbound traffic as one ordered
// event channel and hides reconnection from the caller.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voicebridge/internal/metrics"
	"github.com/hubenschmidt/voicebridge/internal/tools"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("realtime: client closed")

// Config holds everything needed to establish and restore a backend session.
type Config struct {
	URL          string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	Tools        []tools.Definition

	// ReconnectWindow bounds the backoff window after a transport drop.
	// Zero means 15 seconds.
	ReconnectWindow time.Duration

	// EventBuffer sizes the event channel. Zero means 256.
	EventBuffer int
}

// Client is one backend session. Safe for concurrent writers; events are
// consumed from the single ordered channel returned by Events.
type Client struct {
	cfg Config

	writeMu sync.Mutex
	conn    *websocket.Conn

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects, sends the session configuration, and starts the read loop.
// The first event on Events is EventSessionReady once the backend
// acknowledges the configuration.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = 15 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	conn, err := dialOnce(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		events: make(chan Event, cfg.EventBuffer),
		closed: make(chan struct{}),
	}
	if err := c.configure(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime configure: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func dialOnce(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	hdr := http.Header{}
	if cfg.APIKey != "" {
		hdr.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// Events returns the ordered inbound event stream. The channel is closed
// after Close or after a fatal transport error (which is delivered first).
func (c *Client) Events() <-chan Event {
	return c.events
}

// AppendAudio streams one chunk of caller audio (pcm16 bytes) into the
// backend's input buffer.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitInput closes out the current input buffer, forcing the backend to
// treat buffered audio as a complete utterance.
func (c *Client) CommitInput() error {
	return c.writeJSON(map[string]any{"type": "input_audio_buffer.commit"})
}

// SendToolResult returns a function-call result correlated by callID and
// asks the backend to continue the response.
func (c *Client) SendToolResult(callID string, output json.RawMessage) error {
	err := c.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	})
	if err != nil {
		return err
	}
	return c.writeJSON(map[string]any{"type": "response.create"})
}

// CancelResponse aborts the in-flight response. Used on barge-in.
func (c *Client) CancelResponse() error {
	return c.writeJSON(map[string]any{"type": "response.cancel"})
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.conn.WriteJSON(v)
}

// configure sends session.update with voice, instructions, tool definitions,
// and server-side VAD turn detection.
func (c *Client) configure() error {
	toolDefs := make([]map[string]any, 0, len(c.cfg.Tools))
	for _, d := range c.cfg.Tools {
		toolDefs = append(toolDefs, map[string]any{
			"type":        "function",
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		})
	}
	return c.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"audio", "text"},
			"model":               c.cfg.Model,
			"voice":               c.cfg.Voice,
			"instructions":        c.cfg.Instructions,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{"type": "server_vad"},
			"tools":          toolDefs,
		},
	})
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if c.reconnect() {
				continue
			}
			c.deliver(Event{
				Type:    EventError,
				Code:    "transport",
				Message: err.Error(),
				Fatal:   true,
			})
			return
		}
		c.handle(data)
	}
}

// reconnect runs one bounded backoff window, restoring the session
// configuration on success. Returns false once the window is exhausted.
func (c *Client) reconnect() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.cfg.ReconnectWindow

	err := backoff.Retry(func() error {
		select {
		case <-c.closed:
			return backoff.Permanent(ErrClosed)
		default:
		}
		metrics.Reconnects.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := dialOnce(ctx, c.cfg)
		if err != nil {
			slog.Warn("backend reconnect failed", "error", err)
			return err
		}

		c.writeMu.Lock()
		old := c.conn
		c.conn = conn
		c.writeMu.Unlock()
		old.Close()

		return c.configure()
	}, bo)
	if err != nil {
		return false
	}
	slog.Info("backend reconnected")
	return true
}

func (c *Client) handle(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.ProtocolErrors.WithLabelValues("bad_json").Inc()
		slog.Warn("undecodable backend event", "error", err)
		return
	}

	switch ev.Type {
	case "session.updated":
		c.deliver(Event{Type: EventSessionReady})
	case "input_audio_buffer.speech_started":
		c.deliver(Event{Type: EventSpeechStarted})
	case "input_audio_buffer.speech_stopped":
		c.deliver(Event{Type: EventSpeechStopped})
	case "response.output_audio.delta", "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues("bad_audio_delta").Inc()
			return
		}
		c.deliver(Event{Type: EventAudioDelta, Audio: audio})
	case "response.output_audio_transcript.delta", "response.audio_transcript.delta":
		c.deliver(Event{Type: EventTranscriptDelta, Text: ev.Delta})
	case "conversation.item.input_audio_transcription.completed":
		c.deliver(Event{Type: EventInputTranscript, Text: ev.Transcript})
	case "response.done":
		c.deliver(Event{Type: EventResponseDone})
	case "response.function_call_arguments.done":
		c.deliver(Event{
			Type:      EventFunctionCall,
			CallID:    ev.CallID,
			Name:      ev.Name,
			Arguments: json.RawMessage(ev.Arguments),
		})
	case "error":
		code, msg := "unknown", ""
		if ev.Error != nil {
			code, msg = ev.Error.Code, ev.Error.Message
		}
		metrics.ProtocolErrors.WithLabelValues(code).Inc()
		c.deliver(Event{Type: EventError, Code: code, Message: msg})
	default:
		// Acks and bookkeeping events the bridge has no use for.
	}
}

func (c *Client) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
