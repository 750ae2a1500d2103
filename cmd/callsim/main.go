// callsim is a synthetic caller for exercising a running bridge: it dials the
// call endpoint, streams a generated tone as telephony media frames, and
// reports what the agent sends back.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voicebridge/internal/audio"
	"github.com/hubenschmidt/voicebridge/internal/env"
)

type frame struct {
	Event   string `json:"event"`
	CallID  string `json:"call_id,omitempty"`
	Caller  string `json:"caller,omitempty"`
	Payload string `json:"payload,omitempty"`
}

func main() {
	url := flag.String("url", env.Str("BRIDGE_URL", "ws://localhost:8000/ws/call"), "call endpoint")
	caller := flag.String("caller", "+15550100", "caller id to present")
	freq := flag.Float64("freq", 440, "tone frequency in Hz")
	talk := flag.Duration("talk", 3*time.Second, "how long to speak")
	listen := flag.Duration("listen", 10*time.Second, "how long to wait for agent audio after speaking")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		slog.Error("dial", "url", *url, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := conn.WriteJSON(frame{Event: "start", CallID: fmt.Sprintf("sim-%d", time.Now().Unix()), Caller: *caller}); err != nil {
		slog.Error("send start", "error", err)
		os.Exit(1)
	}
	slog.Info("call started", "caller", *caller)

	received := make(chan struct{})
	go readAgent(conn, received)

	if err := speakTone(conn, *freq, *talk); err != nil {
		slog.Error("stream tone", "error", err)
		os.Exit(1)
	}
	slog.Info("done speaking, listening", "window", *listen)

	select {
	case <-received:
		slog.Info("agent responded")
	case <-time.After(*listen):
		slog.Warn("no agent audio within listen window")
	}

	if err := conn.WriteJSON(frame{Event: "stop"}); err != nil {
		slog.Warn("send stop", "error", err)
	}
	slog.Info("call ended")
}

// speakTone streams 20ms ulaw frames of a sine tone in real time.
func speakTone(conn *websocket.Conn, freq float64, d time.Duration) error {
	const samplesPerFrame = 160 // 20ms at 8 kHz
	nFrames := int(d / (20 * time.Millisecond))
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	phase := 0.0
	step := 2 * math.Pi * freq / float64(audio.Telephony.SampleRate)
	for range nFrames {
		samples := make([]float32, samplesPerFrame)
		for i := range samples {
			samples[i] = float32(0.5 * math.Sin(phase))
			phase += step
		}
		payload, err := audio.Encode(samples, audio.Telephony)
		if err != nil {
			return err
		}
		err = conn.WriteJSON(frame{
			Event:   "media",
			Payload: base64.StdEncoding.EncodeToString(payload),
		})
		if err != nil {
			return err
		}
		<-ticker.C
	}
	return nil
}

// readAgent logs inbound frames, closing received on the first media frame.
func readAgent(conn *websocket.Conn, received chan struct{}) {
	first := true
	var mediaBytes int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Event {
		case "media":
			b, _ := base64.StdEncoding.DecodeString(f.Payload)
			mediaBytes += len(b)
			if first {
				first = false
				close(received)
			}
			slog.Debug("agent media", "total_bytes", mediaBytes)
		case "clear":
			slog.Info("agent cleared audio (barge-in)")
		}
	}
}
