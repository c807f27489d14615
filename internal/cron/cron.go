// Package cron implements the CronService (C10): persisted scheduled jobs
// that run a fixed prompt through the same RequestQueue path as a normal
// message and deliver the result to a configured target.
//
// Grounded on cmd/gateway_cron.go's pattern of building a cron-scoped
// session key and invoking the agent on a schedule, restructured around a
// persisted job table instead of one hardcoded job, and on
// internal/sessions' atomic-write idiom for jobs.json. No internal/cron or
// internal/scheduler package exists anywhere in the retrieved pack despite
// being imported by the teacher's own config.go — cron-expression evaluation
// is grounded instead on github.com/adhocore/gronx, a real dependency
// already present in the teacher's go.mod, which exposes expression
// validation/next-tick computation without owning a scheduler loop of its
// own (this component drives its own timer loop, matching the spec).
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/requestqueue"
	"github.com/marrow-labs/homegate/internal/router"
)

// ScheduleType identifies how Job.Schedule should be interpreted.
type ScheduleType string

const (
	ScheduleAt    ScheduleType = "at"    // Schedule is an RFC3339 timestamp; fires once
	ScheduleEvery ScheduleType = "every" // Schedule is "<n><s|m|h|d>"; fires on a fixed interval
	ScheduleCron  ScheduleType = "cron"  // Schedule is a five-field cron expression
)

// Job is one persisted scheduled job.
type Job struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ScheduleType ScheduleType `json:"scheduleType"`
	Schedule     string       `json:"schedule"`
	Prompt       string       `json:"prompt"`
	Delivery     Delivery     `json:"delivery"`
	Enabled      bool         `json:"enabled"`
	CreatedAt    int64        `json:"createdAt"`
}

// Delivery names where a job's result is sent.
type Delivery struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chatId"`
}

// RunRecord is one entry in a job's runs/<jobId>.jsonl execution log.
type RunRecord struct {
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	Success     bool   `json:"success"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Service is the CronService: a persisted job table plus a live timer per
// enabled job.
type Service struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	timers    map[string]*time.Timer
	jobsPath  string
	runsDir   string
	timezone  *time.Location
	queue     *requestqueue.Queue
	deliverer router.Deliverer
	sessionFor func(jobID, runID string) string
	ctx       context.Context
	cancel    context.CancelFunc
}

// Config configures a Service.
type Config struct {
	JobsPath   string // data/cron/jobs.json
	RunsDir    string // data/cron/runs/
	Timezone   *time.Location
	Queue      *requestqueue.Queue
	Deliverer  router.Deliverer
	SessionFor func(jobID, runID string) string // builds the cron-run session key
}

// New creates a Service and loads any persisted jobs, but does not schedule
// them yet; call Start for that.
func New(cfg Config) (*Service, error) {
	tz := cfg.Timezone
	if tz == nil {
		tz = time.Local
	}
	s := &Service{
		jobs:       make(map[string]*Job),
		timers:     make(map[string]*time.Timer),
		jobsPath:   cfg.JobsPath,
		runsDir:    cfg.RunsDir,
		timezone:   tz,
		queue:      cfg.Queue,
		deliverer:  cfg.Deliverer,
		sessionFor: cfg.SessionFor,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.jobsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		slog.Warn("cron: jobs.json unreadable, starting empty", "error", err)
		return nil
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		slog.Warn("cron: jobs.json corrupt, starting empty", "error", err)
		return nil
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

func (s *Service) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: marshal jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.jobsPath), 0o755); err != nil {
		return fmt.Errorf("cron: mkdir: %w", err)
	}
	tmp := s.jobsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cron: write tmp: %w", err)
	}
	return os.Rename(tmp, s.jobsPath)
}

// Start schedules every enabled job.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Enabled {
			s.scheduleLocked(j)
		}
	}
}

// Stop cancels every live timer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// AddJob persists a new job and, if enabled, schedules it immediately.
func (s *Service) AddJob(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.CreatedAt = time.Now().UnixMilli()
	s.jobs[j.ID] = j
	if err := s.persist(); err != nil {
		return err
	}
	if j.Enabled && s.ctx != nil {
		s.scheduleLocked(j)
	}
	return nil
}

// UpdateJob replaces an existing job's definition in place, canceling and
// re-arming its timer against the new schedule.
func (s *Service) UpdateJob(j *Job) error {
	s.mu.Lock()
	if t, ok := s.timers[j.ID]; ok {
		t.Stop()
		delete(s.timers, j.ID)
	}
	existing, ok := s.jobs[j.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cron: unknown job %q", j.ID)
	}
	j.CreatedAt = existing.CreatedAt
	s.jobs[j.ID] = j
	if err := s.persist(); err != nil {
		s.mu.Unlock()
		return err
	}
	if j.Enabled && s.ctx != nil {
		s.scheduleLocked(j)
	}
	s.mu.Unlock()
	return nil
}

// ToggleJob enables or disables a job, (re)arming or canceling its timer.
func (s *Service) ToggleJob(id string, enabled bool) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cron: unknown job %q", id)
	}
	j.Enabled = enabled
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if err := s.persist(); err != nil {
		s.mu.Unlock()
		return err
	}
	if enabled && s.ctx != nil {
		s.scheduleLocked(j)
	}
	s.mu.Unlock()
	return nil
}

// RemoveJob deletes a job and cancels its timer.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.jobs, id)
	return s.persist()
}

// Jobs returns a snapshot of every persisted job.
func (s *Service) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// TriggerJob forces an immediate run of id, outside its normal schedule.
func (s *Service) TriggerJob(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", id)
	}
	go s.execute(j)
	return nil
}

// scheduleLocked computes the next fire time for j and arms a one-shot
// timer; the timer's callback re-arms itself for recurring schedule types.
// Callers must hold s.mu.
func (s *Service) scheduleLocked(j *Job) {
	d, oneShot, err := s.nextDelay(j)
	if err != nil {
		slog.Warn("cron: bad schedule, job disabled", "job", j.ID, "error", err)
		return
	}
	s.timers[j.ID] = time.AfterFunc(d, func() {
		s.execute(j)
		if oneShot {
			s.mu.Lock()
			j.Enabled = false
			_ = s.persist()
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		if _, stillExists := s.jobs[j.ID]; stillExists && j.Enabled {
			s.scheduleLocked(j)
		}
		s.mu.Unlock()
	})
}

var everyRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// nextDelay returns the delay until j's next fire, and whether it is a
// one-shot schedule (ScheduleAt, or an already-elapsed one-shot that fires
// immediately and then deactivates).
func (s *Service) nextDelay(j *Job) (time.Duration, bool, error) {
	now := time.Now().In(s.timezone)
	switch j.ScheduleType {
	case ScheduleAt:
		t, err := time.ParseInLocation(time.RFC3339, j.Schedule, s.timezone)
		if err != nil {
			return 0, true, fmt.Errorf("cron: bad 'at' schedule: %w", err)
		}
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true, nil

	case ScheduleEvery:
		m := everyRe.FindStringSubmatch(j.Schedule)
		if m == nil {
			return 0, false, fmt.Errorf("cron: bad 'every' schedule %q", j.Schedule)
		}
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch m[2] {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		return time.Duration(n) * unit, false, nil

	case ScheduleCron:
		next, err := gronx.NextTickAfter(j.Schedule, now, false)
		if err != nil {
			return 0, false, fmt.Errorf("cron: bad cron expression: %w", err)
		}
		return next.Sub(now), false, nil

	default:
		return 0, false, fmt.Errorf("cron: unknown schedule type %q", j.ScheduleType)
	}
}

func (s *Service) execute(j *Job) {
	runID := fmt.Sprintf("%d", time.Now().UnixNano())
	started := time.Now().UnixMilli()

	sessionKey := ""
	if s.sessionFor != nil {
		sessionKey = s.sessionFor(j.ID, runID)
	}
	_ = sessionKey // reserved for SessionRouter-mediated execution; direct prompt for now

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	text := s.queue.Prompt(ctx, providers.Message{Role: "user", Content: j.Prompt})

	rec := RunRecord{StartedAt: started, CompletedAt: time.Now().UnixMilli()}
	if text == "" || text == "(no response)" {
		rec.Error = "empty response"
	} else {
		rec.Success = true
		rec.Response = text
		if s.deliverer != nil {
			out := bus.OutboundMessage{Channel: j.Delivery.Channel, ChatID: j.Delivery.ChatID, Content: text}
			if err := s.deliverer.Deliver(ctx, out, ""); err != nil {
				rec.Success = false
				rec.Error = err.Error()
			}
		}
	}
	s.appendRun(j.ID, rec)
}

// Runs reads a job's run history, newest first, for the ManagementAPI's
// cron-runs route. Missing run logs are reported as an empty slice, not
// an error.
func (s *Service) Runs(jobID string) ([]RunRecord, error) {
	path := filepath.Join(s.runsDir, jobID+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cron: read runs: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	out := make([]RunRecord, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // partial/corrupt line: skip, best-effort
		}
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Service) appendRun(jobID string, rec RunRecord) {
	path := filepath.Join(s.runsDir, jobID+".jsonl")
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := os.MkdirAll(s.runsDir, 0o755); err != nil {
		slog.Warn("cron: runs dir mkdir failed", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("cron: run log open failed", "error", err)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}
