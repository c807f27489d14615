// Package restart implements the RestartManager (C11): self-restart via an
// on-disk sentinel plus an external supervisor process, and the successor
// protocol that consumes the sentinel and resumes continuity (recovery
// message, lazy session buffer restore) after re-exec.
//
// Grounded on the tmp+rename atomic-write idiom used throughout
// internal/sessions and internal/config, and on the teacher's treatment of
// external process invocation as an opaque, fire-and-trust boundary (the
// teacher never re-execs itself, but its pattern of shelling out to an
// external command and judging success from exit status is carried over
// from internal/config_load.go's use of os/exec for environment probing).
// No internal/upgrade-style self-restart exists anywhere in the retrieved
// pack: internal/upgrade there is a Postgres schema-version checker,
// unrelated to process lifecycle, and is dropped rather than misappropriated.
package restart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/requestqueue"
	"github.com/marrow-labs/homegate/internal/router"
)

// Sentinel is the payload written to disk across a restart.
type Sentinel struct {
	Reason         string `json:"reason"`
	Timestamp      int64  `json:"timestamp"`
	SessionKey     string `json:"sessionKey,omitempty"`
	DeliveryTarget string `json:"deliveryTarget,omitempty"` // "channel:chatID"
	ReplyTo        string `json:"replyTo,omitempty"`
}

// Manager owns the sentinel file and the external supervisor invocation.
type Manager struct {
	sentinelPath  string
	supervisorCmd []string // argv of the opaque external supervisor command
}

// Config configures a Manager.
type Config struct {
	SentinelPath  string
	SupervisorCmd []string // e.g. ["systemctl", "restart", "homegate"]
}

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{sentinelPath: cfg.SentinelPath, supervisorCmd: cfg.SupervisorCmd}
}

// TriggerRestart writes the sentinel atomically, then invokes the external
// supervisor. A spawn that returns cleanly with exit status 0 is success; a
// spawn failure with no captured stderr is also treated as success, since
// the supervisor may have killed this process mid-call before it could
// observe the exit. Any other outcome is a failure.
func (m *Manager) TriggerRestart(s Sentinel) error {
	if err := m.writeSentinel(s); err != nil {
		return fmt.Errorf("restart: write sentinel: %w", err)
	}
	if len(m.supervisorCmd) == 0 {
		return nil
	}

	cmd := exec.Command(m.supervisorCmd[0], m.supervisorCmd[1:]...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("restart: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("restart: supervisor command failed to start: %w", err)
	}
	stderr, _ := io.ReadAll(stderrPipe)
	runErr := cmd.Wait()
	if runErr == nil {
		return nil
	}
	if len(stderr) == 0 {
		// Supervisor likely killed us before the call could complete.
		slog.Info("restart: supervisor invocation returned an error with no stderr, treating as success", "error", runErr)
		return nil
	}
	return fmt.Errorf("restart: supervisor command failed: %w (stderr: %s)", runErr, stderr)
}

// Restart implements router.Restarter: the "restart" in-band command is
// handled by SessionRouter itself (not the generic CommandHandler) so the
// sentinel can carry the session's own delivery target, letting the
// successor greet the same chat it was restarted from.
func (m *Manager) Restart(_ context.Context, sessionKey, channel, chatID, replyTo string) string {
	s := Sentinel{
		Reason:         "user requested restart",
		Timestamp:      time.Now().UnixMilli(),
		SessionKey:     sessionKey,
		DeliveryTarget: fmt.Sprintf("%s:%s", channel, chatID),
		ReplyTo:        replyTo,
	}
	if err := m.TriggerRestart(s); err != nil {
		slog.Warn("restart: trigger failed", "error", err)
		return fmt.Sprintf("Restart failed: %s", err)
	}
	return "Restarting now, back in a moment."
}

func (m *Manager) writeSentinel(s Sentinel) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.sentinelPath), 0o755); err != nil {
		return err
	}
	tmp := m.sentinelPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.sentinelPath)
}

// Consume reads and deletes the sentinel, if present. An unparseable
// sentinel is deleted defensively and treated as absent. Exactly-once: once
// the file has been read it is removed before this function returns; a read
// error other than not-exist is returned and leaves the file in place.
func (m *Manager) Consume() (*Sentinel, error) {
	data, err := os.ReadFile(m.sentinelPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restart: read sentinel: %w", err)
	}
	_ = os.Remove(m.sentinelPath)

	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		slog.Warn("restart: sentinel corrupt, discarding", "error", err)
		return nil, nil
	}
	return &s, nil
}

// RecoveryRetries and RecoveryRetryDelay bound how long the successor waits
// for channel adapters to finish connecting before delivering the recovery
// message.
const (
	RecoveryRetries    = 20
	RecoveryRetryDelay = 500 * time.Millisecond
)

// ResumeConfig supplies everything the successor protocol needs.
type ResumeConfig struct {
	ChannelsReady func() bool // reports whether the ChannelHub has at least one adapter connected
	Queue         *requestqueue.Queue
	Deliverer     router.Deliverer
}

// Resume runs the successor protocol for a consumed sentinel: wait briefly
// for channels, send a recovery message in-session via the RequestQueue
// (so it benefits from the ContextAssembler like any other turn), falling
// back to a raw send if that fails.
func Resume(ctx context.Context, s *Sentinel, cfg ResumeConfig) {
	if s == nil {
		return
	}
	if cfg.ChannelsReady != nil {
		for i := 0; i < RecoveryRetries; i++ {
			if cfg.ChannelsReady() {
				break
			}
			time.Sleep(RecoveryRetryDelay)
		}
	}

	reason := s.Reason
	if reason == "" {
		reason = "restart"
	}
	recoveryPrompt := fmt.Sprintf("You just restarted (%s). Briefly let the user know you're back.", reason)

	var text string
	if cfg.Queue != nil {
		text = cfg.Queue.Prompt(ctx, providers.Message{Role: "user", Content: recoveryPrompt})
	}
	if text == "" {
		text = "I'm back online."
	}

	if s.DeliveryTarget == "" || cfg.Deliverer == nil {
		return
	}
	channel, chatID := splitTarget(s.DeliveryTarget)
	out := bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: text}
	if err := cfg.Deliverer.Deliver(ctx, out, s.ReplyTo); err != nil {
		slog.Warn("restart: recovery delivery failed", "error", err)
	}
}

func splitTarget(target string) (channel, chatID string) {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			return target[:i], target[i+1:]
		}
	}
	return target, ""
}
