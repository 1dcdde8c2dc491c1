package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LoomClaw/LoomClaw/internal/agent"
	"github.com/LoomClaw/LoomClaw/internal/bus"
	"github.com/LoomClaw/LoomClaw/internal/channels"
	"github.com/LoomClaw/LoomClaw/internal/config"
	"github.com/LoomClaw/LoomClaw/internal/identity"
	"github.com/LoomClaw/LoomClaw/internal/memory"
	"github.com/LoomClaw/LoomClaw/internal/provider"
	"github.com/LoomClaw/LoomClaw/internal/scheduler"
	"github.com/LoomClaw/LoomClaw/internal/session"
	"github.com/LoomClaw/LoomClaw/internal/skills"
	"github.com/LoomClaw/LoomClaw/internal/space"
	"github.com/LoomClaw/LoomClaw/internal/store"
)

var headless bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	agentCmd.Flags().BoolVar(&headless, "headless", false, "run without the interactive terminal channel")
}

func runAgent() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Database), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	svc, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return err
	}

	sessions := session.NewStore(svc, cfg.Paths.Workspace)
	if err := sessions.Init(); err != nil {
		svc.Close()
		return err
	}

	skillList, err := skills.Load(cfg.Paths.SkillsDir)
	if err != nil {
		slog.Warn("Skill loading failed", "error", err)
	}

	messageBus := bus.NewMessageBus()
	sched := scheduler.New(scheduler.Config{
		MaxTasksPerSession: cfg.Scheduler.MaxTasksPerSession,
	}, messageBus, svc)
	if err := sched.Start(); err != nil {
		svc.Close()
		return err
	}

	prov := provider.NewOpenAIProvider(
		cfg.Providers.APIKey, cfg.Providers.APIBase, cfg.Model.Name, cfg.Providers.Timeout)

	loop := agent.NewLoop(agent.Options{
		Bus:       messageBus,
		Provider:  prov,
		Sessions:  sessions,
		Users:     identity.NewService(svc),
		Spaces:    space.NewService(svc),
		Memory:    memory.NewService(svc),
		Scheduler: sched,
		Skills:    skillList,
		Config:    cfg,
	})

	var active []channels.Channel
	if !headless {
		active = append(active, channels.NewTerminalChannel(messageBus))
	}
	if cfg.Channels.Slack.Enabled {
		active = append(active, channels.NewSlackChannel(cfg.Channels.Slack, messageBus))
	}
	if cfg.Channels.Web.Enabled {
		active = append(active, channels.NewWebChannel(cfg.Channels.Web, messageBus))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, ch := range active {
		if err := ch.Start(ctx); err != nil {
			slog.Error("Channel start failed", "channel", ch.Name(), "error", err)
		}
	}
	go sched.Run(ctx)

	slog.Info("loomclaw running", "channels", len(active), "model", prov.DefaultModel())
	loop.Run(ctx)

	// Shutdown order: stop accepting inbound, settle turns and subagents,
	// close the bus, join the scheduler, then the store last.
	stop()
	for _, ch := range active {
		_ = ch.Stop()
	}
	loop.Shutdown()
	messageBus.Close()
	sched.Stop()
	if err := svc.Close(); err != nil {
		slog.Warn("Store close failed", "error", err)
	}
	slog.Info("loomclaw stopped")
	return nil
}
