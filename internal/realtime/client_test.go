package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voicebridge/internal/tools"
)

var upgrader = websocket.Upgrader{}

// newBackend starts a fake speech backend. handler runs once per accepted
// connection, with a 1-based connection number.
func newBackend(t *testing.T, handler func(conn *websocket.Conn, n int)) string {
	t.Helper()
	var count atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, int(count.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		APIKey:       "test-key",
		Model:        "gpt-realtime",
		Voice:        "alloy",
		Instructions: "You are a test agent.",
		Tools: []tools.Definition{{
			Name:        "check_availability",
			Description: "Check open slots",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	}
}

func TestDialSendsSessionConfiguration(t *testing.T) {
	got := make(chan map[string]any, 1)
	url := newBackend(t, func(conn *websocket.Conn, n int) {
		got <- readJSON(t, conn)
		conn.WriteJSON(map[string]any{"type": "session.updated"})
		<-time.After(time.Second)
	})

	c, err := Dial(context.Background(), testConfig(url))
	require.NoError(t, err)
	defer c.Close()

	msg := <-got
	assert.Equal(t, "session.update", msg["type"])
	sess := msg["session"].(map[string]any)
	assert.Equal(t, "You are a test agent.", sess["instructions"])
	assert.Equal(t, "alloy", sess["voice"])
	td := sess["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", td["type"])
	toolList := sess["tools"].([]any)
	require.Len(t, toolList, 1)
	assert.Equal(t, "check_availability", toolList[0].(map[string]any)["name"])

	ev := recvEvent(t, c.Events())
	assert.Equal(t, EventSessionReady, ev.Type)
}

func TestInboundEventsDecodeInOrder(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	url := newBackend(t, func(conn *websocket.Conn, n int) {
		readJSON(t, conn) // session.update
		for _, msg := range []map[string]any{
			{"type": "session.updated"},
			{"type": "input_audio_buffer.speech_started"},
			{"type": "input_audio_buffer.speech_stopped"},
			{"type": "response.output_audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)},
			{"type": "response.output_audio_transcript.delta", "delta": "one mo"},
			{"type": "conversation.item.input_audio_transcription.completed", "transcript": "any slots tomorrow"},
			{"type": "response.function_call_arguments.done", "call_id": "call_1",
				"name": "check_availability", "arguments": `{"from":"a","to":"b"}`},
			{"type": "response.done"},
			{"type": "error", "error": map[string]any{"code": "rate_limited", "message": "slow down"}},
		} {
			require.NoError(t, conn.WriteJSON(msg))
		}
		<-time.After(time.Second)
	})

	c, err := Dial(context.Background(), testConfig(url))
	require.NoError(t, err)
	defer c.Close()
	ch := c.Events()

	assert.Equal(t, EventSessionReady, recvEvent(t, ch).Type)
	assert.Equal(t, EventSpeechStarted, recvEvent(t, ch).Type)
	assert.Equal(t, EventSpeechStopped, recvEvent(t, ch).Type)

	delta := recvEvent(t, ch)
	assert.Equal(t, EventAudioDelta, delta.Type)
	assert.Equal(t, pcm, delta.Audio)

	assert.Equal(t, "one mo", recvEvent(t, ch).Text)
	assert.Equal(t, "any slots tomorrow", recvEvent(t, ch).Text)

	call := recvEvent(t, ch)
	assert.Equal(t, EventFunctionCall, call.Type)
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, "check_availability", call.Name)
	assert.JSONEq(t, `{"from":"a","to":"b"}`, string(call.Arguments))

	assert.Equal(t, EventResponseDone, recvEvent(t, ch).Type)

	errEv := recvEvent(t, ch)
	assert.Equal(t, EventError, errEv.Type)
	assert.Equal(t, "rate_limited", errEv.Code)
	assert.False(t, errEv.Fatal)
}

func TestOutboundMessages(t *testing.T) {
	got := make(chan map[string]any, 8)
	url := newBackend(t, func(conn *websocket.Conn, n int) {
		readJSON(t, conn) // session.update
		conn.WriteJSON(map[string]any{"type": "session.updated"})
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			got <- m
		}
	})

	c, err := Dial(context.Background(), testConfig(url))
	require.NoError(t, err)
	defer c.Close()

	pcm := []byte{0xAA, 0xBB}
	require.NoError(t, c.AppendAudio(pcm))
	require.NoError(t, c.CommitInput())
	require.NoError(t, c.SendToolResult("call_7", json.RawMessage(`{"ok":true}`)))
	require.NoError(t, c.CancelResponse())

	appendMsg := <-got
	assert.Equal(t, "input_audio_buffer.append", appendMsg["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), appendMsg["audio"])

	assert.Equal(t, "input_audio_buffer.commit", (<-got)["type"])

	itemMsg := <-got
	assert.Equal(t, "conversation.item.create", itemMsg["type"])
	item := itemMsg["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_7", item["call_id"])
	assert.JSONEq(t, `{"ok":true}`, item["output"].(string))

	assert.Equal(t, "response.create", (<-got)["type"])
	assert.Equal(t, "response.cancel", (<-got)["type"])
}

func TestReconnectRestoresSession(t *testing.T) {
	url := newBackend(t, func(conn *websocket.Conn, n int) {
		readJSON(t, conn) // session.update on every connection
		conn.WriteJSON(map[string]any{"type": "session.updated"})
		if n == 1 {
			return // drop the transport without a close handshake
		}
		conn.WriteJSON(map[string]any{
			"type":  "response.output_audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{0x01}),
		})
		<-time.After(time.Second)
	})

	cfg := testConfig(url)
	cfg.ReconnectWindow = 5 * time.Second
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	// ready on first connect, ready again after the transparent reconnect,
	// then traffic resumes
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "channel closed before reconnect completed")
			if ev.Type == EventAudioDelta {
				assert.Equal(t, []byte{0x01}, ev.Audio)
				return
			}
			require.NotEqual(t, EventError, ev.Type)
		case <-deadline:
			t.Fatal("never received audio after reconnect")
		}
	}
}

func TestFatalAfterReconnectWindowExhausted(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		readJSON(t, conn)
		conn.WriteJSON(map[string]any{"type": "session.updated"})
		// make every reconnect attempt fail, then drop the transport
		srv.Listener.Close()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	cfg := testConfig(url)
	cfg.ReconnectWindow = 50 * time.Millisecond
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	sawFatal := false
	for ev := range c.Events() {
		if ev.Type == EventError && ev.Fatal {
			sawFatal = true
		}
	}
	assert.True(t, sawFatal, "fatal transport error precedes channel close")
}

func TestCloseIsIdempotent(t *testing.T) {
	url := newBackend(t, func(conn *websocket.Conn, n int) {
		readJSON(t, conn)
		conn.WriteJSON(map[string]any{"type": "session.updated"})
		<-time.After(time.Second)
	})

	c, err := Dial(context.Background(), testConfig(url))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.AppendAudio([]byte{0x00}), ErrClosed)

	// channel drains and closes
	for range c.Events() {
	}
}
