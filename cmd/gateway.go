package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marrow-labs/homegate/internal/archive"
	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/channelhub"
	"github.com/marrow-labs/homegate/internal/channels/discord"
	"github.com/marrow-labs/homegate/internal/channels/telegram"
	"github.com/marrow-labs/homegate/internal/commands"
	"github.com/marrow-labs/homegate/internal/config"
	"github.com/marrow-labs/homegate/internal/cron"
	"github.com/marrow-labs/homegate/internal/gateway"
	"github.com/marrow-labs/homegate/internal/heartbeat"
	"github.com/marrow-labs/homegate/internal/restart"
	"github.com/marrow-labs/homegate/internal/router"
	"github.com/marrow-labs/homegate/internal/sessions"
	"github.com/marrow-labs/homegate/internal/telemetry"
	"github.com/marrow-labs/homegate/pkg/protocol"
)

func startCmd() *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if foreground {
				return runGateway()
			}
			return startDetached()
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the current process instead of daemonizing")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopDaemon()
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = stopDaemon()
			return startDetached()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the gateway is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus()
		},
	}
}

// runGateway loads config, wires every long-lived component, and serves
// until interrupted. Grounded on the teacher's cmd/gateway.go runGateway:
// same structured-logging setup, same signal-driven graceful shutdown, same
// "build everything, then Start" shape — narrowed to this gateway's single-
// agent component graph (bus, providers.Registry, runtime, RequestQueue,
// SessionRouter, ChannelHub, CronService, HeartbeatRunner, RestartManager,
// ManagementAPI) in place of the teacher's managed/standalone store split,
// tool registry, sandboxing, and multi-channel provider federation.
func runGateway() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.HasAnyProvider() {
		fmt.Println("No AI provider API key configured. Run `homegate onboard` to set one up.")
		os.Exit(1)
	}

	c, err := buildCore(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Start(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled: failed to start exporter", "error", err)
		tp = telemetry.Noop()
	}
	c.queue.SetTracer(tp.Tracer())
	defer tp.Shutdown(context.Background())

	msgBus := bus.NewMessageBus(256)

	restartMgr := restart.New(restart.Config{
		SentinelPath:  filepath.Join(c.dataDir, "restart-sentinel.json"),
		SupervisorCmd: []string{"homegate", "restart"},
	})

	// hub's router is nil until SetRouter below: Hub needs to exist before
	// the CommandHandler (heartbeat/status in-band commands reach it) and
	// the Router (its Deliverer) can be built, and both of those need to
	// exist before the Router that Hub itself dispatches into.
	hub := channelhub.New(msgBus, nil, cfg.AgentID)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram channel disabled", "error", err)
		} else {
			hub.Register("telegram", tg)
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord channel disabled", "error", err)
		} else {
			hub.Register("discord", dc)
		}
	}

	var hbRunner *heartbeat.Runner
	if cfg.Heartbeat.Enabled {
		start, end := parseHHMM(cfg.Heartbeat.ActiveStart), parseHHMM(cfg.Heartbeat.ActiveEnd)
		hbRunner = heartbeat.New(heartbeat.Config{
			Enabled:           true,
			Interval:          time.Duration(cfg.Heartbeat.IntervalMs) * time.Millisecond,
			Window:            heartbeat.ActiveWindow{StartMinute: start, EndMinute: end},
			InstructionPath:   filepath.Join(c.dataDir, "heartbeat", "HEARTBEAT.md"),
			RunLogPath:        filepath.Join(c.dataDir, "heartbeat", "runs.jsonl"),
			ModelOverridePath: filepath.Join(c.dataDir, "heartbeat", "model.json"),
			DeliveryTarget:    deliveryTargetFunc(cfg.Heartbeat.Delivery),
			SessionKey:        func() string { return sessions.BuildSessionKey(cfg.AgentID, "heartbeat", sessions.PeerDirect, "main") },
			Queue:             c.queue,
			Log:               c.log,
			Extractor:         c.ex,
			Deliverer:         hub,
		})
	}

	var tz *time.Location
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			tz = loc
		} else {
			slog.Warn("invalid timezone, falling back to local", "timezone", cfg.Timezone, "error", err)
		}
	}

	cronSvc, err := cron.New(cron.Config{
		JobsPath:  filepath.Join(c.dataDir, "cron", "jobs.json"),
		RunsDir:   filepath.Join(c.dataDir, "cron", "runs"),
		Timezone:  tz,
		Queue:     c.queue,
		Deliverer: hub,
		SessionFor: func(jobID, runID string) string {
			return sessions.BuildCronSessionKey(cfg.AgentID, jobID, runID)
		},
	})
	if err != nil {
		return fmt.Errorf("cron: %w", err)
	}

	cmdHandler := commands.New(c.registry, c.store, c.queue, c.rt, hbRunner, hub)
	r := router.New(c.log, c.buf, c.ar, c.asm, c.queue, c.ex, cmdHandler, hub)
	r.SetRestarter(restartMgr)
	hub.SetRouter(r)

	srv := gateway.New(gateway.Config{
		Cfg:        cfg,
		EventPub:   msgBus,
		WorldModel: c.wm,
		Archive:    c.ar,
		SessionLog: c.log,
		Heartbeat:  hbRunner,
		Cron:       cronSvc,
		Queue:      c.queue,
		Store:      c.store,
		Registry:   c.registry,
		Runtime:    c.rt,
		Hub:        hub,
		SkillsDir:  filepath.Join(c.dataDir, "skills"),
	})

	c.queue.Start(ctx)
	cronSvc.Start(ctx)
	if hbRunner != nil {
		hbRunner.Start(ctx)
	}
	if err := hub.StartAll(ctx); err != nil {
		slog.Error("channel hub startup errors", "error", err)
	}
	if s, err := restartMgr.Consume(); err != nil {
		slog.Warn("restart sentinel unreadable", "error", err)
	} else if s != nil {
		go restart.Resume(ctx, s, restart.ResumeConfig{ChannelsReady: hub.Ready, Queue: c.queue, Deliverer: hub})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown requested", "signal", sig)
		hub.StopAll(context.Background())
		cronSvc.Stop()
		for _, turns := range c.buf.FlushAll() {
			rows := make([]archive.Turn, len(turns))
			for i, t := range turns {
				rows[i] = archive.Turn{SessionKey: t.SessionKey, Role: string(t.Role), Content: t.Content, Timestamp: t.Timestamp}
			}
			if _, err := c.ar.Archive(context.Background(), rows); err != nil {
				slog.Warn("shutdown: session buffer flush to archive failed", "error", err)
			}
		}
		cancel()
	}()

	slog.Info("homegate starting", "version", Version, "protocol", protocol.ProtocolVersion, "addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))
	return srv.Start(ctx)
}

// deliveryTargetFunc parses the "channel:chatID" HEARTBEAT_DELIVERY form;
// an empty value disables delivery.
func deliveryTargetFunc(raw string) func() (string, string, bool) {
	return func() (string, string, bool) {
		if raw == "" {
			return "", "", false
		}
		for i := 0; i < len(raw); i++ {
			if raw[i] == ':' {
				return raw[:i], raw[i+1:], true
			}
		}
		return "", "", false
	}
}

// parseHHMM converts an "HH:MM" string into minutes-since-midnight,
// defaulting to 0 on malformed input (an always-active window).
func parseHHMM(s string) int {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0
	}
	return h*60 + m
}

func pidFilePath() string {
	cfg, err := config.Load(resolveConfigPath())
	dataDir := "~/.homegate/data"
	if err == nil {
		dataDir = cfg.State.DataDir
	}
	return filepath.Join(config.ExpandHome(dataDir), "homegate.pid")
}

// startDetached re-execs this binary with `start --foreground`, detached
// from the current terminal, and records its PID for stop/restart/status.
func startDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	pidPath := pidFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(filepath.Dir(pidPath), "gateway.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "start", "--foreground")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn gateway: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", child.Process.Pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	fmt.Printf("homegate started (pid %d), logging to %s\n", child.Process.Pid, logPath)
	return nil
}

func readPid() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

func stopDaemon() error {
	pid, err := readPid()
	if err != nil {
		fmt.Println("homegate is not running")
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Println("homegate is not running")
		os.Remove(pidFilePath())
		return nil
	}
	os.Remove(pidFilePath())
	fmt.Printf("homegate (pid %d) stopped\n", pid)
	return nil
}

func printStatus() error {
	pid, err := readPid()
	if err != nil {
		fmt.Println("status: not running")
		os.Exit(1)
	}
	if err := syscall.Kill(pid, 0); err != nil {
		fmt.Println("status: not running (stale pid file)")
		os.Exit(1)
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Printf("status: running (pid %d)\n", pid)
		return nil
	}
	url := fmt.Sprintf("http://%s:%d/health", cfg.Gateway.Host, cfg.Gateway.Port)
	resp, err := http.Get(url)
	if err != nil {
		fmt.Printf("status: running (pid %d), health check failed: %v\n", pid, err)
		return nil
	}
	defer resp.Body.Close()
	fmt.Printf("status: running (pid %d), health %s\n", pid, resp.Status)
	return nil
}
