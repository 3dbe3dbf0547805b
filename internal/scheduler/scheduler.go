// Package scheduler runs the ingestion sources on cron schedules read from
// dynamic config, with hot reload when an admin changes them.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

const (
	defaultPollInterval   = time.Second
	defaultReloadInterval = time.Minute
)

// Runner executes one ingestion run for a source. Errors are logged and
// swallowed by the scheduler; a failed run never stops the loop.
type Runner func(ctx context.Context, source string) error

// Loader returns the current source -> cron expression map. Called on every
// reload; the scheduler fingerprints the result to detect changes.
type Loader func(ctx context.Context) (map[string]string, error)

// JobState describes one scheduled source in the status snapshot.
type JobState struct {
	Schedule string     `json:"schedule"`
	State    string     `json:"state"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  time.Time  `json:"next_run"`
}

type job struct {
	source   string
	spec     string
	schedule cron.Schedule
	state    string
	lastRun  *time.Time
	nextRun  time.Time
}

// Scheduler polls for due jobs every second and runs them one at a time. A
// single worker keeps ingestion runs from competing for the same sources.
type Scheduler struct {
	runner     Runner
	loader     Loader
	log        *slog.Logger
	parser     cron.Parser
	status     *statusFile
	watchPath  string
	poll       time.Duration
	reloadTick time.Duration

	mu          sync.Mutex
	jobs        map[string]*job
	fingerprint string

	// runMu serializes job execution across the poll loop and any future
	// manual-trigger path.
	runMu sync.Mutex

	now func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithStatusFile makes the scheduler persist a flock-guarded JSON snapshot of
// job states at path after every transition.
func WithStatusFile(path string) Option {
	return func(s *Scheduler) { s.status = newStatusFile(path) }
}

// WithWatchPath reloads schedules when the file at path changes, in addition
// to the periodic reload.
func WithWatchPath(path string) Option {
	return func(s *Scheduler) { s.watchPath = path }
}

// New builds a scheduler. Schedules use the standard five-field cron syntax.
func New(runner Runner, loader Loader, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		runner:     runner,
		loader:     loader,
		log:        log,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		poll:       defaultPollInterval,
		reloadTick: defaultReloadInterval,
		jobs:       map[string]*job{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loads the initial schedules and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.ReloadSchedules(ctx); err != nil {
		return fmt.Errorf("load initial schedules: %w", err)
	}

	var watchEvents chan fsnotify.Event
	if s.watchPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			s.log.Warn("file watcher unavailable; relying on periodic reload", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(s.watchPath); err != nil {
				s.log.Warn("cannot watch deployment file", "path", s.watchPath, "error", err)
			} else {
				watchEvents = make(chan fsnotify.Event, 1)
				go forwardWrites(watcher, watchEvents)
			}
		}
	}

	pollTicker := time.NewTicker(s.poll)
	defer pollTicker.Stop()
	reloadTicker := time.NewTicker(s.reloadTick)
	defer reloadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			s.runDue(ctx, s.now())
		case <-reloadTicker.C:
			s.reloadIfChanged(ctx)
		case <-watchEvents:
			s.log.Info("deployment file changed; reloading schedules")
			s.reloadIfChanged(ctx)
		}
	}
}

func forwardWrites(w *fsnotify.Watcher, out chan<- fsnotify.Event) {
	for ev := range w.Events {
		if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			continue
		}
		select {
		case out <- ev:
		default:
		}
	}
}

// ReloadSchedules forces a reconciliation against the loader, regardless of
// whether the fingerprint changed. Jobs whose cron expression is unchanged
// keep their next-run time and history.
func (s *Scheduler) ReloadSchedules(ctx context.Context) error {
	specs, err := s.loader(ctx)
	if err != nil {
		return err
	}
	s.reconcile(specs)
	return nil
}

func (s *Scheduler) reloadIfChanged(ctx context.Context) {
	specs, err := s.loader(ctx)
	if err != nil {
		s.log.Warn("schedule reload failed; keeping current schedules", "error", err)
		return
	}
	fp := fingerprint(specs)
	s.mu.Lock()
	unchanged := fp == s.fingerprint
	s.mu.Unlock()
	if unchanged {
		return
	}
	s.reconcile(specs)
}

func (s *Scheduler) reconcile(specs map[string]string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*job, len(specs))
	for source, spec := range specs {
		if existing, ok := s.jobs[source]; ok && existing.spec == spec {
			next[source] = existing
			continue
		}
		schedule, err := s.parser.Parse(spec)
		if err != nil {
			s.log.Error("invalid cron expression; source skipped",
				"source", source, "schedule", spec, "error", err)
			continue
		}
		j := &job{source: source, spec: spec, schedule: schedule, state: "idle", nextRun: schedule.Next(now)}
		if existing, ok := s.jobs[source]; ok {
			j.lastRun = existing.lastRun
		}
		next[source] = j
		s.log.Info("source scheduled", "source", source, "schedule", spec, "next_run", j.nextRun)
	}
	for source := range s.jobs {
		if _, ok := next[source]; !ok {
			s.log.Info("source unscheduled", "source", source)
		}
	}
	s.jobs = next
	s.fingerprint = fingerprint(specs)
	s.writeStatusLocked()
}

// runDue runs every job whose next-run time has passed. Runs happen inline,
// serialized by runMu.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	// Stable order keeps logs and tests deterministic.
	sort.Slice(due, func(i, k int) bool { return due[i].source < due[k].source })
	for _, j := range due {
		// Advance from now, not from the missed slot, so a long or failed run
		// cannot cause a catch-up burst.
		j.nextRun = j.schedule.Next(now)
		j.state = "running"
	}
	s.writeStatusLocked()
	s.mu.Unlock()

	for _, j := range due {
		s.runOne(ctx, j)
	}
}

func (s *Scheduler) runOne(ctx context.Context, j *job) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now()
	err := s.runner(ctx, j.source)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	// The state returns to idle and last_run is stamped on every exit, failed
	// runs included. Failures live in the log; the status file only answers
	// "is it running, and when did it last go".
	done := s.now()
	j.lastRun = &done
	j.state = "idle"
	if err != nil {
		s.log.Error("ingestion run failed", "source", j.source, "elapsed", elapsed, "error", err)
	} else {
		s.log.Info("ingestion run completed", "source", j.source, "elapsed", elapsed)
	}
	s.writeStatusLocked()
}

// Snapshot returns the current job states keyed by source.
func (s *Scheduler) Snapshot() map[string]JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() map[string]JobState {
	out := make(map[string]JobState, len(s.jobs))
	for source, j := range s.jobs {
		out[source] = JobState{
			Schedule: j.spec,
			State:    j.state,
			LastRun:  j.lastRun,
			NextRun:  j.nextRun,
		}
	}
	return out
}

func (s *Scheduler) writeStatusLocked() {
	if s.status == nil {
		return
	}
	if err := s.status.write(s.snapshotLocked()); err != nil {
		s.log.Warn("cannot write scheduler status file", "error", err)
	}
}

// fingerprint hashes the schedule map in key order so reloads can cheaply
// detect no-op changes.
func fingerprint(specs map[string]string) string {
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		raw, _ := json.Marshal([2]string{k, specs[k]})
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
