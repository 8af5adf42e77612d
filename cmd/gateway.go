package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/tiller/internal/agent"
	"github.com/nextlevelbuilder/tiller/internal/bus"
	"github.com/nextlevelbuilder/tiller/internal/config"
	"github.com/nextlevelbuilder/tiller/internal/gateway"
	"github.com/nextlevelbuilder/tiller/internal/sessions"
	"github.com/nextlevelbuilder/tiller/internal/store"
	"github.com/nextlevelbuilder/tiller/internal/store/pg"
	"github.com/nextlevelbuilder/tiller/internal/store/sqlite"
	"github.com/nextlevelbuilder/tiller/internal/telemetry"
	"github.com/nextlevelbuilder/tiller/internal/turn"
	"github.com/nextlevelbuilder/tiller/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed, continuing without traces", "error", err)
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			shutdownTelemetry(flushCtx)
		}()
	}

	journal := openJournal(cfg)
	if journal != nil {
		defer journal.Close()
	}

	meta := sessions.NewManager(cfg.SessionsStoragePath())
	msgBus := bus.New()

	agentID := cfg.ResolveDefaultAgentID()
	agentCfg := cfg.ResolveAgent(agentID)

	loop := agent.NewLoop(agent.LoopConfig{
		ID:              agentID,
		Generator:       defaultGenerator(),
		Journal:         journal,
		MaxSteps:        agentCfg.MaxSteps,
		StepTimeout:     time.Duration(agentCfg.StepTimeoutSec) * time.Second,
		SteerBatchLimit: agentCfg.SteerBatchLimit,
		OnEvent: func(ev agent.AgentEvent) {
			msgBus.Broadcast(bus.Event{Name: ev.Type, Payload: ev})
		},
	})

	registry := turn.NewRegistry()
	registry.SetLimits(turn.Limits{
		MaxFollowups:    cfg.Turns.MaxFollowups,
		MaxSteerBacklog: cfg.Turns.MaxSteerBacklog,
	})

	runner := agent.NewRunner(agent.RunnerConfig{
		Registry: registry,
		Loop:     loop,
		Journal:  journal,
		Sessions: meta,
		OnResult: func(sessionKey string, res *agent.TurnResult) {
			msgBus.PublishOutbound(bus.OutboundMessage{
				ChatID:  sessionKey,
				Content: res.Content,
				Outcome: res.Result,
			})
			msgBus.Broadcast(bus.Event{
				Name: protocol.EventChatResult,
				Payload: protocol.ChatResultPayload{
					SessionKey: sessionKey,
					TurnID:     res.TurnID.String(),
					Content:    res.Content,
					Result:     res.Result,
					Steps:      res.Steps,
					SteerCount: res.SteerCount,
				},
			})
		},
	})

	server := gateway.NewServer(cfg, msgBus, runner, meta, journal)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("tiller gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agent", agentID,
		"driver", cfg.Database.Driver,
		"config", cfg.Hash(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		consumeInbound(gctx, msgBus, runner, meta, cfg)
		return nil
	})
	g.Go(func() error {
		drainOutbound(gctx, msgBus)
		return nil
	})
	g.Go(func() error {
		// Hot-reload the config file; routing picks up new limits on the
		// next submission.
		if err := config.Watch(gctx, cfgPath, cfg, func(c *config.Config) {
			slog.Info("config reloaded", "hash", c.Hash())
		}); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// openJournal picks the turn journal backend from config. A journal
// failure degrades to no journaling rather than refusing to start.
func openJournal(cfg *config.Config) store.TurnStore {
	if cfg.IsPostgres() {
		stores, err := pg.NewPGStores(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("postgres journal unavailable", "error", err)
			os.Exit(1)
		}
		slog.Info("turn journal: postgres")
		return stores.Turns
	}

	path := cfg.SQLitePath()
	j, err := sqlite.Open(path)
	if err != nil {
		slog.Warn("sqlite journal unavailable, journaling disabled", "path", path, "error", err)
		return nil
	}
	slog.Info("turn journal: sqlite", "path", path)
	return j
}

// defaultGenerator is the built-in executor: it acknowledges the input
// and any injected steering in a single step. The model-backed
// generator plugs in here via agent.Generator.
func defaultGenerator() agent.Generator {
	return agent.GeneratorFunc(func(ctx context.Context, req agent.StepRequest) (*agent.StepResult, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "ack: %s", req.Input)
		for _, s := range req.Steering {
			fmt.Fprintf(&b, "\nsteer: %s", s)
		}
		return &agent.StepResult{Content: b.String(), Done: true}, nil
	})
}

// drainOutbound consumes outbound messages. With no delivery channels
// attached, results are logged; WS clients already got the chat.result
// broadcast.
func drainOutbound(ctx context.Context, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		slog.Debug("outbound result", "session", msg.ChatID, "outcome", msg.Outcome, "chars", len(msg.Content))
	}
}
