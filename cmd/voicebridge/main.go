package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hubenschmidt/voicebridge/internal/convo"
	"github.com/hubenschmidt/voicebridge/internal/realtime"
	"github.com/hubenschmidt/voicebridge/internal/session"
	"github.com/hubenschmidt/voicebridge/internal/store"
	"github.com/hubenschmidt/voicebridge/internal/tools"
	"github.com/hubenschmidt/voicebridge/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	cfg := loadConfig()

	var st *store.Store
	var writer *store.Writer
	if cfg.databaseURL != "" {
		var err error
		st, err = store.Open(cfg.databaseURL)
		if err != nil {
			slog.Error("store open failed, running without persistence", "error", err)
		} else {
			writer = store.NewWriter(st)
			slog.Info("persistence enabled")
		}
	}

	manager := session.NewManager(cfg.sessionCapacity, writer.Finalize)

	registry := tools.NewRegistry()
	if err := tools.RegisterBusinessTools(registry, tools.BusinessTools{
		Availability: tools.StaticAvailability{},
		Leads:        tools.NewMemoryLeads(),
		Payments:     tools.StaticPayments{},
		Transfers:    tools.NewMemoryTransfers(),
	}); err != nil {
		slog.Error("register business tools", "error", err)
		os.Exit(1)
	}

	if cfg.recordDir != "" {
		if err := os.MkdirAll(cfg.recordDir, 0o755); err != nil {
			slog.Error("create record dir", "error", err)
			os.Exit(1)
		}
	}

	handler := ws.NewHandler(ws.HandlerConfig{
		Manager: manager,
		Tools:   registry,
		Profile: convo.Profile{
			AgentName: cfg.agentName,
			Business:  cfg.businessName,
			Greeting:  cfg.greeting,
		},
		Backend: realtime.Config{
			URL:    cfg.backendURL,
			APIKey: cfg.backendAPIKey,
			Model:  cfg.backendModel,
			Voice:  cfg.backendVoice,
		},
		MaxConcurrent:   cfg.maxConcurrentCalls,
		MaxCallDuration: cfg.maxCallDuration,
		Utterance:       cfg.utterance,
		ToolGrace:       cfg.toolGrace,
		RecordDir:       cfg.recordDir,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		manager:   manager,
		wsHandler: handler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("voicebridge starting", "addr", addr, "max_concurrent", cfg.maxConcurrentCalls)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	writer.Close()
	if st != nil {
		st.Close()
	}
	slog.Info("voicebridge stopped")
}
