// Package bridge relays audio between a telephony stream and the realtime
// speech backend for one session: two audio pumps, one event loop, barge-in
// handling, and async function-call dispatch.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/voicebridge/internal/audio"
	"github.com/hubenschmidt/voicebridge/internal/convo"
	"github.com/hubenschmidt/voicebridge/internal/metrics"
	"github.com/hubenschmidt/voicebridge/internal/realtime"
	"github.com/hubenschmidt/voicebridge/internal/session"
	"github.com/hubenschmidt/voicebridge/internal/tools"
)

// TelephonyStream is the phone leg of a call. ReadFrame blocks until a frame
// arrives and returns an error once the call has ended. Close unblocks any
// pending read.
type TelephonyStream interface {
	ReadFrame() ([]byte, error)
	WriteAudio(frame []byte) error
	Clear() error
	Close() error
	CallID() string
	Caller() string
}

// RealtimeClient is the backend leg, satisfied by *realtime.Client.
type RealtimeClient interface {
	Events() <-chan realtime.Event
	AppendAudio(pcm []byte) error
	CommitInput() error
	SendToolResult(callID string, output json.RawMessage) error
	CancelResponse() error
	Close() error
}

// Config wires one bridge run.
type Config struct {
	SessionID string
	Manager   *session.Manager
	Client    RealtimeClient
	Stream    TelephonyStream
	Tools     *tools.Registry

	TelephonyFormat audio.Format // zero value means audio.Telephony
	BackendFormat   audio.Format // zero value means audio.Backend

	// MaxCallDuration bounds the session regardless of activity.
	// Zero means 15 minutes.
	MaxCallDuration time.Duration

	// Utterance tunes the local silence-commit fallback.
	Utterance audio.UtteranceConfig

	// ToolGrace bounds how long in-flight function calls may finish during
	// teardown. Zero means 5 seconds.
	ToolGrace time.Duration

	// RecordDir, when set, receives a WAV recording of the caller's audio.
	RecordDir string
}

type outFrame struct {
	gen  uint64
	data []byte
}

type bridge struct {
	cfg Config

	gen      atomic.Uint64 // interrupt generation, bumped on barge-in
	speaking atomic.Bool
	outQ     chan outFrame

	answered sync.Map // callID -> struct{}
	toolWG   sync.WaitGroup

	causeCh chan string // first terminal cause wins; "" is a clean end

	recMu      sync.Mutex
	recSamples []float32
}

// Run drives one session to completion. It returns nil on a clean end and
// the failure cause otherwise; session state transitions are applied either
// way before returning.
func Run(ctx context.Context, cfg Config) error {
	if cfg.TelephonyFormat == (audio.Format{}) {
		cfg.TelephonyFormat = audio.Telephony
	}
	if cfg.BackendFormat == (audio.Format{}) {
		cfg.BackendFormat = audio.Backend
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 15 * time.Minute
	}
	if cfg.ToolGrace <= 0 {
		cfg.ToolGrace = 5 * time.Second
	}
	if cfg.Utterance == (audio.UtteranceConfig{}) {
		cfg.Utterance = audio.DefaultUtteranceConfig()
	}

	b := &bridge{
		cfg:     cfg,
		outQ:    make(chan outFrame, 64),
		causeCh: make(chan string, 4),
	}
	return b.run(ctx)
}

func (b *bridge) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pumps sync.WaitGroup
	pumps.Add(3)
	go func() { defer pumps.Done(); b.inboundPump(ctx) }()
	go func() { defer pumps.Done(); b.outboundPump(ctx) }()
	go func() { defer pumps.Done(); b.eventLoop(ctx) }()

	maxTimer := time.NewTimer(b.cfg.MaxCallDuration)
	defer maxTimer.Stop()

	var reason string
	select {
	case reason = <-b.causeCh:
	case <-maxTimer.C:
		slog.Info("max call duration reached", "session_id", b.cfg.SessionID)
	case <-ctx.Done():
	}

	// mark ENDING so the inbound pump pauses during drain
	if reason == "" {
		b.cfg.Manager.End(b.cfg.SessionID)
	}

	// bounded grace for in-flight tool calls; their side effects matter
	toolsDone := make(chan struct{})
	go func() { b.toolWG.Wait(); close(toolsDone) }()
	select {
	case <-toolsDone:
	case <-time.After(b.cfg.ToolGrace):
		slog.Warn("abandoning in-flight tool calls", "session_id", b.cfg.SessionID)
	}

	cancel()
	b.cfg.Client.Close()
	b.cfg.Stream.Close()
	pumps.Wait()

	b.writeRecording()

	if reason != "" {
		b.cfg.Manager.Fail(b.cfg.SessionID, reason)
		return errors.New(reason)
	}
	if err := b.cfg.Manager.Transition(b.cfg.SessionID, session.StatusEnded); err != nil {
		slog.Warn("session already terminal", "session_id", b.cfg.SessionID, "error", err)
	}
	return nil
}

func (b *bridge) end(reason string) {
	select {
	case b.causeCh <- reason:
	default:
	}
}

// inboundPump relays telephony frames to the backend. Pure relay: decode,
// resample, re-encode, append. Paused while the session is not ACTIVE.
func (b *bridge) inboundPump(ctx context.Context) {
	det := audio.NewUtteranceDetector(b.cfg.Utterance)
	for {
		frame, err := b.cfg.Stream.ReadFrame()
		if err != nil {
			b.end("") // hangup or stream closed: clean teardown
			return
		}
		if ctx.Err() != nil {
			return
		}

		snap, err := b.cfg.Manager.Get(b.cfg.SessionID)
		if err != nil || snap.Status != session.StatusActive {
			if err == nil && (snap.Status == session.StatusEnding || snap.Status.Terminal()) {
				b.end("")
				return
			}
			continue // keep draining the socket while paused
		}

		samples, err := audio.Decode(frame, b.cfg.TelephonyFormat)
		if err != nil {
			var de *audio.DecodeError
			if errors.As(err, &de) {
				metrics.DecodeErrors.Inc()
				continue // dropped and counted, never fatal
			}
			b.end(fmt.Sprintf("inbound decode: %v", err))
			return
		}

		if b.cfg.RecordDir != "" {
			b.recMu.Lock()
			b.recSamples = append(b.recSamples, samples...)
			b.recMu.Unlock()
		}

		resampled := audio.Resample(samples, b.cfg.TelephonyFormat.SampleRate, b.cfg.BackendFormat.SampleRate)
		pcm, err := audio.Encode(resampled, b.cfg.BackendFormat)
		if err != nil {
			metrics.DecodeErrors.Inc()
			continue
		}
		if err := b.cfg.Client.AppendAudio(pcm); err != nil {
			b.end(fmt.Sprintf("backend append: %v", err))
			return
		}
		metrics.AudioFrames.WithLabelValues("inbound").Inc()

		// silence fallback when the caller never signals end of turn
		if det.Observe(samples, time.Now()) {
			if err := b.cfg.Client.CommitInput(); err != nil {
				b.end(fmt.Sprintf("backend commit: %v", err))
				return
			}
		}
	}
}

// outboundPump writes queued agent audio to the telephony stream in strict
// order, discarding frames from responses interrupted by barge-in.
func (b *bridge) outboundPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.outQ:
			if f.gen != b.gen.Load() {
				continue // stale frame from an interrupted response
			}
			if err := b.cfg.Stream.WriteAudio(f.data); err != nil {
				b.end("")
				return
			}
			metrics.AudioFrames.WithLabelValues("outbound").Inc()
		}
	}
}

func (b *bridge) eventLoop(ctx context.Context) {
	var transcript strings.Builder
	var speechStopped time.Time

	for {
		var ev realtime.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-b.cfg.Client.Events():
			if !ok {
				b.end("") // channel closed after Close; fatal arrives as an event first
				return
			}
		}

		switch ev.Type {
		case realtime.EventSessionReady:
			slog.Debug("backend session ready", "session_id", b.cfg.SessionID)

		case realtime.EventSpeechStarted:
			// queued tail audio of a finished response still counts as
			// agent speech; the caller must not hear it after interrupting
			if b.speaking.Load() || len(b.outQ) > 0 {
				b.bargeIn()
			}
			b.cfg.Manager.SetSubState(b.cfg.SessionID, session.SubListening)

		case realtime.EventSpeechStopped:
			speechStopped = time.Now()
			b.cfg.Manager.SetSubState(b.cfg.SessionID, session.SubThinking)

		case realtime.EventAudioDelta:
			b.speaking.Store(true)
			b.cfg.Manager.SetSubState(b.cfg.SessionID, session.SubSpeaking)
			frame, err := audio.Transcode(ev.Audio, b.cfg.BackendFormat, b.cfg.TelephonyFormat)
			if err != nil {
				metrics.DecodeErrors.Inc()
				continue
			}
			select {
			case b.outQ <- outFrame{gen: b.gen.Load(), data: frame}:
			case <-ctx.Done():
				return
			}

		case realtime.EventTranscriptDelta:
			transcript.WriteString(ev.Text)

		case realtime.EventInputTranscript:
			if err := b.cfg.Manager.AppendTurn(b.cfg.SessionID, convo.UserTurn(ev.Text)); err != nil {
				slog.Warn("drop user turn", "session_id", b.cfg.SessionID, "error", err)
			}

		case realtime.EventResponseDone:
			b.speaking.Store(false)
			turn := convo.AssistantTurn(transcript.String(), speechStopped)
			if err := b.cfg.Manager.AppendTurn(b.cfg.SessionID, turn); err != nil {
				slog.Warn("drop assistant turn", "session_id", b.cfg.SessionID, "error", err)
			}
			if !speechStopped.IsZero() {
				metrics.ResponseLatency.Observe(time.Since(speechStopped).Seconds())
			}
			transcript.Reset()
			speechStopped = time.Time{}
			b.cfg.Manager.SetSubState(b.cfg.SessionID, session.SubListening)

		case realtime.EventFunctionCall:
			b.toolWG.Add(1)
			// tools outlive pump cancellation for the teardown grace period
			toolCtx, toolCancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.ToolGrace+30*time.Second)
			go func(ev realtime.Event) {
				defer b.toolWG.Done()
				defer toolCancel()
				b.dispatchTool(toolCtx, ev)
			}(ev)

		case realtime.EventError:
			if ev.Fatal {
				b.end(fmt.Sprintf("backend transport: %s", ev.Message))
				return
			}
			slog.Warn("recoverable backend error",
				"session_id", b.cfg.SessionID, "code", ev.Code, "message", ev.Message)
		}
	}
}

// bargeIn suppresses the interrupted response: bump the generation so queued
// and future frames of the old response are discarded, flush the telephony
// buffer, and cancel upstream.
func (b *bridge) bargeIn() {
	b.gen.Add(1)
	b.speaking.Store(false)
	for {
		select {
		case <-b.outQ:
		default:
			metrics.BargeIns.Inc()
			if err := b.cfg.Client.CancelResponse(); err != nil {
				slog.Warn("cancel response", "session_id", b.cfg.SessionID, "error", err)
			}
			if err := b.cfg.Stream.Clear(); err != nil {
				slog.Warn("clear telephony buffer", "session_id", b.cfg.SessionID, "error", err)
			}
			return
		}
	}
}

// dispatchTool executes one function call and returns exactly one result for
// its callID. Tool failures are answered as structured errors so the
// conversation can recover verbally.
func (b *bridge) dispatchTool(ctx context.Context, ev realtime.Event) {
	if _, dup := b.answered.LoadOrStore(ev.CallID, struct{}{}); dup {
		slog.Warn("duplicate function-call request ignored",
			"session_id", b.cfg.SessionID, "call_id", ev.CallID)
		return
	}

	start := time.Now()
	result, err := b.cfg.Tools.Execute(ctx, ev.Name, ev.Arguments)

	inv := session.ToolInvocation{Name: ev.Name, Arguments: ev.Arguments}
	outcome := "ok"
	output := result
	if err != nil {
		outcome = "error"
		inv.Error = err.Error()
		output, _ = json.Marshal(map[string]string{"error": err.Error()})
		slog.Warn("tool execution failed",
			"session_id", b.cfg.SessionID, "tool", ev.Name, "error", err)
	} else {
		inv.Result = result
	}
	metrics.ToolInvocations.WithLabelValues(ev.Name, outcome).Inc()
	metrics.ToolDuration.WithLabelValues(ev.Name).Observe(time.Since(start).Seconds())

	if err := b.cfg.Manager.AppendInvocation(b.cfg.SessionID, inv); err != nil {
		slog.Warn("drop tool invocation record", "session_id", b.cfg.SessionID, "error", err)
	}

	if err := b.cfg.Client.SendToolResult(ev.CallID, output); err != nil {
		slog.Warn("send tool result", "session_id", b.cfg.SessionID, "call_id", ev.CallID, "error", err)
	}
}

func (b *bridge) writeRecording() {
	if b.cfg.RecordDir == "" {
		return
	}
	b.recMu.Lock()
	samples := b.recSamples
	b.recMu.Unlock()
	if len(samples) == 0 {
		return
	}
	path := filepath.Join(b.cfg.RecordDir, b.cfg.SessionID+".wav")
	wav := audio.SamplesToWAV(samples, b.cfg.TelephonyFormat.SampleRate)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		slog.Warn("write recording", "session_id", b.cfg.SessionID, "error", err)
		return
	}
	b.cfg.Manager.SetRecording(b.cfg.SessionID, path)
}
