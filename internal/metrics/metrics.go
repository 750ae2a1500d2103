package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_sessions_active",
		Help: "Currently active call sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_total",
		Help: "Total sessions created",
	})

	SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_failed_total",
		Help: "Sessions that ended in FAILED",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_rejected_total",
		Help: "Session creations refused at the capacity ceiling",
	})

	AudioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_audio_frames_total",
		Help: "Audio frames relayed per direction",
	}, []string{"direction"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_audio_decode_errors_total",
		Help: "Malformed audio frames dropped",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_barge_ins_total",
		Help: "AI responses interrupted by caller speech",
	})

	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tool_invocations_total",
		Help: "Function calls dispatched by tool name and outcome",
	}, []string{"tool", "outcome"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_tool_duration_seconds",
		Help:    "Function-call execution latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
	}, []string{"tool"})

	ResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_response_latency_seconds",
		Help:    "Latency from end of caller speech to completed AI response",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_backend_reconnects_total",
		Help: "Realtime backend reconnect attempts",
	})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_protocol_errors_total",
		Help: "Backend protocol errors by classification",
	}, []string{"kind"})
)
