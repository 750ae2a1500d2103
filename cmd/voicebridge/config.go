package main

import (
	"time"

	"github.com/hubenschmidt/voicebridge/internal/audio"
	"github.com/hubenschmidt/voicebridge/internal/env"
)

type config struct {
	port               string
	backendURL         string
	backendAPIKey      string
	backendModel       string
	backendVoice       string
	agentName          string
	businessName       string
	greeting           string
	maxConcurrentCalls int
	sessionCapacity    int
	maxCallDuration    time.Duration
	toolGrace          time.Duration
	utterance          audio.UtteranceConfig
	databaseURL        string
	recordDir          string
}

func loadConfig() config {
	utt := audio.DefaultUtteranceConfig()
	utt.SpeechThresholdDB = env.Float("SPEECH_THRESHOLD_DB", utt.SpeechThresholdDB)
	utt.SilenceTimeout = env.Dur("SILENCE_TIMEOUT", utt.SilenceTimeout)
	utt.MinSpeechDuration = env.Dur("MIN_SPEECH_DURATION", utt.MinSpeechDuration)

	return config{
		port:               env.Str("BRIDGE_PORT", "8000"),
		backendURL:         env.Str("REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-realtime"),
		backendAPIKey:      env.Str("REALTIME_API_KEY", ""),
		backendModel:       env.Str("REALTIME_MODEL", "gpt-realtime"),
		backendVoice:       env.Str("REALTIME_VOICE", "alloy"),
		agentName:          env.Str("AGENT_NAME", ""),
		businessName:       env.Str("BUSINESS_NAME", ""),
		greeting:           env.Str("GREETING", ""),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		sessionCapacity:    env.Int("SESSION_CAPACITY", 100),
		maxCallDuration:    env.Dur("MAX_CALL_DURATION", 15*time.Minute),
		toolGrace:          env.Dur("TOOL_GRACE", 5*time.Second),
		utterance:          utt,
		databaseURL:        env.Str("DATABASE_URL", ""),
		recordDir:          env.Str("RECORD_DIR", ""),
	}
}
