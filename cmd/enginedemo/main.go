// Command enginedemo embeds the rule engine in a standalone process,
// registers a handful of illustrative rules, feeds it a few events and
// fact changes, and exposes its Prometheus metrics over HTTP. It is
// not a production server: the engine is a library meant to be
// embedded directly into an application's own process, and HTTP/gRPC/
// CLI surfaces beyond a metrics endpoint are an explicit non-goal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruleforge/engine/internal/config"
	"github.com/ruleforge/engine/internal/engine"
	"github.com/ruleforge/engine/internal/model"
	"github.com/ruleforge/engine/internal/rule"
)

const (
	serviceName = "enginedemo"
	version     = "0.1.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("starting rule engine demo", "service", serviceName, "version", version)

	reg := prometheus.NewRegistry()
	eng, err := engine.New(cfg, logger, reg)
	if err != nil {
		logger.Error("failed to construct engine", "error", err)
		os.Exit(1)
	}

	registerDemoRules(eng, logger)

	eng.Start()
	logger.Info("engine started", "max_concurrency", cfg.MaxConcurrency)

	unsubscribe, traces := subscribeTraces(eng)
	defer unsubscribe()
	go logTraces(traces, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:         ":9090",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	go emitDemoTraffic(eng, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server gracefully", "error", err)
	}
	if err := eng.Stop(); err != nil {
		logger.Error("failed to stop engine gracefully", "error", err)
	}
	logger.Info("shutdown complete")
}

// registerDemoRules wires up a small set of rules exercising the event,
// temporal and timer trigger kinds, so the metrics and trace stream have something to
// report on once the engine is running.
func registerDemoRules(eng *engine.Engine, logger *slog.Logger) {
	rules := []rule.Draft{
		{
			Name:    "welcome-new-user",
			Enabled: true,
			Trigger: model.EventTrigger("user.signup"),
			Actions: []model.RuleAction{
				{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{
					Key: "user.onboarded", Value: model.RefTo("event", "userId"),
				}},
				{Kind: model.ActionLog, Log: &model.LogPayload{Level: "info", Message: "new user signed up"}},
			},
		},
		{
			Name:    "flag-repeated-login-failures",
			Enabled: true,
			Trigger: model.TemporalTrigger(model.TemporalPattern{
				Kind: model.TemporalSequence,
				Events: []model.EventMatcher{
					{Topic: "login.failed"}, {Topic: "login.failed"}, {Topic: "login.failed"},
				},
				Within:  5 * time.Minute,
				GroupBy: "userId",
			}),
			Actions: []model.RuleAction{
				{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{
					Key: "security.suspicious_login", Value: model.Lit(true),
				}},
			},
		},
		{
			Name:    "escalate-stale-ticket",
			Enabled: true,
			Trigger: model.TimerTrigger("ticket-sla"),
			Actions: []model.RuleAction{
				{Kind: model.ActionLog, Log: &model.LogPayload{Level: "warn", Message: "ticket SLA timer fired"}},
			},
		},
	}

	for _, draft := range rules {
		if _, err := eng.RegisterRule(draft); err != nil {
			logger.Error("failed to register demo rule", "rule", draft.Name, "error", err)
		}
	}

	if err := eng.SetTimer(model.TimerSpec{
		Name:     "ticket-sla",
		Duration: 30 * time.Second,
	}); err != nil {
		logger.Error("failed to schedule demo timer", "error", err)
	}
}

// emitDemoTraffic feeds a few representative events into the engine
// so an operator watching /metrics or the trace stream sees activity.
func emitDemoTraffic(eng *engine.Engine, logger *slog.Logger) {
	time.Sleep(time.Second)

	if _, err := eng.Emit(model.EventDraft{
		Topic: "user.signup",
		Data:  map[string]any{"userId": "demo-user-1"},
	}); err != nil {
		logger.Error("failed to emit demo event", "error", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := eng.Emit(model.EventDraft{
			Topic: "login.failed",
			Data:  map[string]any{"userId": "demo-user-2"},
		}); err != nil {
			logger.Error("failed to emit demo event", "error", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func subscribeTraces(eng *engine.Engine) (func(), <-chan model.TraceEntry) {
	ch, unsubscribe := eng.Subscribe()
	return unsubscribe, ch
}

func logTraces(traces <-chan model.TraceEntry, logger *slog.Logger) {
	for t := range traces {
		logger.Debug("trace", "type", t.Type, "rule", t.RuleName, "summary", t.Summary, "correlation_id", t.CorrelationID)
	}
}

// setupLogging configures structured logging, matching the teacher's
// environment-driven JSON/text handler selection.
func setupLogging(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.Logging.IncludeSource}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName, "version", version)
	slog.SetDefault(logger)
	return logger
}
