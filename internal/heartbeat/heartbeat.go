// Package heartbeat implements the HeartbeatRunner (C9): a proactive tick
// that, inside the configured active-hours window, reads a standing
// instruction file and runs it through the same RequestQueue/ContextAssembler
// path as a normal message, delivering the result to a configured channel.
//
// No single teacher file implements a heartbeat; the timer-driven,
// session-key-building, result-logging shape is grounded on
// cmd/gateway_cron.go's scheduled-execution pattern (the teacher's own cron
// runner builds a session key, invokes the agent, and records a result per
// tick) narrowed to a single always-on interval instead of a job table.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/extractor"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/requestqueue"
	"github.com/marrow-labs/homegate/internal/router"
	"github.com/marrow-labs/homegate/internal/sessionlog"
)

// DefaultFirstTickDelay is the spec's "~30s" initial delay before the first
// tick, so the gateway finishes starting up before a heartbeat can fire.
const DefaultFirstTickDelay = 30 * time.Second

// ActiveWindow is an active-hours window expressed as minutes-since-midnight.
// Supports the overnight case (Start > End, e.g. 22:00-06:00).
type ActiveWindow struct {
	StartMinute int
	EndMinute   int
}

// Active reports whether t falls inside the window, per spec invariant 9:
// S<E: S<=t<E. S>E (overnight): t>=S or t<E. S=E: always active.
func (w ActiveWindow) Active(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	s, e := w.StartMinute, w.EndMinute
	switch {
	case s == e:
		return true
	case s < e:
		return minute >= s && minute < e
	default:
		return minute >= s || minute < e
	}
}

// RunRecord is one structured entry in the heartbeat run log.
type RunRecord struct {
	Timestamp int64  `json:"timestamp"`
	Success   bool   `json:"success"`
	Response  string `json:"response,omitempty"`
	Skipped   string `json:"skipped,omitempty"` // reason, if the tick did nothing
	Error     string `json:"error,omitempty"`
}

// Config configures a Runner.
type Config struct {
	Enabled           bool
	Interval          time.Duration
	Window            ActiveWindow
	InstructionPath   string // HEARTBEAT.md
	RunLogPath        string // heartbeat/runs.jsonl
	ModelOverridePath string // heartbeat/model.json; the override is stored and reported, tick does not apply it
	DeliveryTarget    func() (channel, chatID string, ok bool)
	SessionKey        func() string // last-known DM session, or "" to run outside a session
	Queue             *requestqueue.Queue
	Log               *sessionlog.Log
	Extractor         *extractor.Extractor
	Deliverer         router.Deliverer
	Clock             func() time.Time // overridable for tests; defaults to time.Now
}

// Runner drives the periodic heartbeat tick.
type Runner struct {
	cfg   Config
	mu    sync.Mutex
	model string // resolved override ref, "" if none configured
}

// New creates a Runner. Call Start to begin ticking.
func New(cfg Config) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Runner{cfg: cfg}
}

// Start launches the delayed-first-tick, then-periodic ticking goroutine.
// Returns immediately; stops when ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}
	r.loadModelOverride()

	go func() {
		timer := time.NewTimer(DefaultFirstTickDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				r.tick(ctx)
				timer.Reset(r.cfg.Interval)
			}
		}
	}()
}

// SetModelOverride sets (or clears, with ref="") the heartbeat-specific
// model override, used by the `heartbeat model <ref|clear>` in-band command.
func (r *Runner) SetModelOverride(ref string) {
	r.mu.Lock()
	r.model = ref
	r.mu.Unlock()
	r.saveModelOverride(ref)
}

// ModelOverride returns the currently configured override ref, or "".
func (r *Runner) ModelOverride() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

// Enabled reports whether the Runner is configured to tick at all, for the
// `status` in-band command.
func (r *Runner) Enabled() bool { return r.cfg.Enabled }

// Interval returns the configured tick interval.
func (r *Runner) Interval() time.Duration { return r.cfg.Interval }

// Window returns the configured active-hours window.
func (r *Runner) Window() ActiveWindow { return r.cfg.Window }

// Runs reads the heartbeat run log, newest first, for the ManagementAPI's
// heartbeat.runs route. A missing log is reported as an empty slice.
func (r *Runner) Runs(limit int) ([]RunRecord, error) {
	if r.cfg.RunLogPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.cfg.RunLogPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("heartbeat: read run log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	out := make([]RunRecord, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var rec RunRecord
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Runner) loadModelOverride() {
	if r.cfg.ModelOverridePath == "" {
		return
	}
	data, err := os.ReadFile(r.cfg.ModelOverridePath)
	if err != nil {
		return // missing/corrupt: zero value (no override)
	}
	var stored struct {
		Ref *string `json:"ref"`
	}
	if err := json.Unmarshal(data, &stored); err != nil || stored.Ref == nil {
		return
	}
	r.mu.Lock()
	r.model = *stored.Ref
	r.mu.Unlock()
}

func (r *Runner) saveModelOverride(ref string) {
	if r.cfg.ModelOverridePath == "" {
		return
	}
	var refPtr *string
	if ref != "" {
		refPtr = &ref
	}
	data, err := json.Marshal(struct {
		Ref *string `json:"ref"`
	}{Ref: refPtr})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.ModelOverridePath), 0o755); err != nil {
		return
	}
	tmp := r.cfg.ModelOverridePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.cfg.ModelOverridePath)
}

// tick runs exactly one heartbeat cycle. Failures are recorded, never
// retried: the next scheduled tick proceeds regardless.
func (r *Runner) tick(ctx context.Context) {
	now := r.cfg.Clock()
	if !r.cfg.Window.Active(now) {
		r.record(RunRecord{Timestamp: now.UnixMilli(), Skipped: "outside active hours"})
		return
	}

	instruction, err := os.ReadFile(r.cfg.InstructionPath)
	if err != nil || len(instruction) == 0 {
		r.record(RunRecord{Timestamp: now.UnixMilli(), Skipped: "no heartbeat instruction configured"})
		return
	}

	sessionKey := ""
	if r.cfg.SessionKey != nil {
		sessionKey = r.cfg.SessionKey()
	}

	text := r.cfg.Queue.Prompt(ctx, providers.Message{Role: "user", Content: string(instruction)})

	if sessionKey != "" && r.cfg.Log != nil {
		ts := sessionlog.NowMillis()
		_ = r.cfg.Log.Append(sessionKey, sessionlog.Turn{Role: sessionlog.RoleUser, Content: string(instruction), Timestamp: ts, SessionKey: sessionKey})
		_ = r.cfg.Log.Append(sessionKey, sessionlog.Turn{Role: sessionlog.RoleAssistant, Content: text, Timestamp: ts, SessionKey: sessionKey})
	}
	if r.cfg.Extractor != nil && sessionKey != "" {
		r.cfg.Extractor.Run(extractor.Exchange{SessionKey: sessionKey, UserText: string(instruction), AssistantText: text})
	}

	if text == "" {
		r.record(RunRecord{Timestamp: now.UnixMilli(), Success: false, Error: "empty response"})
		return
	}

	if r.cfg.DeliveryTarget == nil || r.cfg.Deliverer == nil {
		r.record(RunRecord{Timestamp: now.UnixMilli(), Success: false, Error: "no delivery target configured"})
		return
	}
	channel, chatID, ok := r.cfg.DeliveryTarget()
	if !ok {
		r.record(RunRecord{Timestamp: now.UnixMilli(), Success: false, Error: "delivery target unavailable"})
		return
	}
	out := bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: text}
	if err := r.cfg.Deliverer.Deliver(ctx, out, ""); err != nil {
		r.record(RunRecord{Timestamp: now.UnixMilli(), Success: false, Error: err.Error()})
		return
	}
	r.record(RunRecord{Timestamp: now.UnixMilli(), Success: true, Response: text})
}

func (r *Runner) record(rec RunRecord) {
	if r.cfg.RunLogPath == "" {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.RunLogPath), 0o755); err != nil {
		slog.Warn("heartbeat: run log mkdir failed", "error", err)
		return
	}
	f, err := os.OpenFile(r.cfg.RunLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("heartbeat: run log open failed", "error", err)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}
