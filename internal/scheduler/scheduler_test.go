package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLoader(specs map[string]string) Loader {
	return func(context.Context) (map[string]string, error) {
		return specs, nil
	}
}

func noopRunner(context.Context, string) error { return nil }

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestReloadSchedulesParsesAndSchedules(t *testing.T) {
	s := New(noopRunner, staticLoader(map[string]string{
		"confluence": "0 3 * * *",
		"jira":       "*/30 * * * *",
	}), nil)
	s.now = fixedNow(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	require.NoError(t, s.ReloadSchedules(context.Background()))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), snap["confluence"].NextRun)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC), snap["jira"].NextRun)
	assert.Equal(t, "idle", snap["jira"].State)
}

func TestReloadSchedulesSkipsInvalidExpressions(t *testing.T) {
	s := New(noopRunner, staticLoader(map[string]string{
		"good": "0 * * * *",
		"bad":  "every tuesday",
	}), nil)

	require.NoError(t, s.ReloadSchedules(context.Background()))
	snap := s.Snapshot()
	assert.Contains(t, snap, "good")
	assert.NotContains(t, snap, "bad")
}

func TestReconcilePreservesUnchangedJobs(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(noopRunner, nil, nil)
	s.now = fixedNow(now)

	s.reconcile(map[string]string{"jira": "0 * * * *"})
	before := s.Snapshot()["jira"]

	// Give the job history, then reconcile with the same expression.
	last := now.Add(-time.Hour)
	s.mu.Lock()
	s.jobs["jira"].lastRun = &last
	s.mu.Unlock()

	s.reconcile(map[string]string{"jira": "0 * * * *", "confluence": "0 3 * * *"})

	after := s.Snapshot()
	assert.Equal(t, before.NextRun, after["jira"].NextRun)
	require.NotNil(t, after["jira"].LastRun)
	assert.Equal(t, last, *after["jira"].LastRun)
	assert.Contains(t, after, "confluence")
}

func TestReconcileChangedExpressionReschedules(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(noopRunner, nil, nil)
	s.now = fixedNow(now)

	s.reconcile(map[string]string{"jira": "0 3 * * *"})
	last := now.Add(-time.Hour)
	s.mu.Lock()
	s.jobs["jira"].lastRun = &last
	s.mu.Unlock()

	s.reconcile(map[string]string{"jira": "*/15 * * * *"})

	snap := s.Snapshot()["jira"]
	assert.Equal(t, now.Add(15*time.Minute), snap.NextRun)
	// History survives a schedule change.
	require.NotNil(t, snap.LastRun)
	assert.Equal(t, last, *snap.LastRun)
}

func TestReconcileRemovesUnlistedSources(t *testing.T) {
	s := New(noopRunner, nil, nil)
	s.reconcile(map[string]string{"jira": "0 * * * *", "confluence": "0 3 * * *"})
	s.reconcile(map[string]string{"jira": "0 * * * *"})
	assert.NotContains(t, s.Snapshot(), "confluence")
}

func TestRunDueRunsAndAdvancesFromNow(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	runner := func(_ context.Context, source string) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, source)
		return nil
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(runner, nil, nil)
	s.now = fixedNow(now)
	s.reconcile(map[string]string{"jira": "*/30 * * * *"})

	// Not due yet.
	s.runDue(context.Background(), now)
	assert.Empty(t, ran)

	// Poll past the slot; the job fires once and reschedules from now.
	later := now.Add(31 * time.Minute)
	s.now = fixedNow(later)
	s.runDue(context.Background(), later)
	assert.Equal(t, []string{"jira"}, ran)

	snap := s.Snapshot()["jira"]
	assert.Equal(t, time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC), snap.NextRun)
	require.NotNil(t, snap.LastRun)
	assert.Equal(t, "idle", snap.State)

	// Same poll window again: already rescheduled, does not re-fire.
	s.runDue(context.Background(), later)
	assert.Equal(t, []string{"jira"}, ran)
}

func TestFailedRunReturnsToIdleAndStampsLastRun(t *testing.T) {
	runner := func(context.Context, string) error { return errors.New("source unreachable") }

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(runner, nil, nil)
	s.now = fixedNow(now)
	s.reconcile(map[string]string{"jira": "*/5 * * * *"})

	later := now.Add(6 * time.Minute)
	s.now = fixedNow(later)
	s.runDue(context.Background(), later)

	// A failure exits like any other run: back to idle, last_run stamped.
	snap := s.Snapshot()["jira"]
	assert.Equal(t, "idle", snap.State)
	require.NotNil(t, snap.LastRun)
	assert.Equal(t, later, *snap.LastRun)
	// And it still advances the schedule; no tight retry loop.
	assert.Equal(t, later.Add(4*time.Minute), snap.NextRun)
}

func TestReloadIfChangedSkipsIdenticalSchedules(t *testing.T) {
	calls := 0
	loader := func(context.Context) (map[string]string, error) {
		calls++
		return map[string]string{"jira": "0 * * * *"}, nil
	}
	s := New(noopRunner, loader, nil)
	require.NoError(t, s.ReloadSchedules(context.Background()))

	before := s.Snapshot()["jira"]
	s.reloadIfChanged(context.Background())
	assert.Equal(t, 2, calls)
	assert.Equal(t, before, s.Snapshot()["jira"])
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := fingerprint(map[string]string{"a": "1", "b": "2"})
	b := fingerprint(map[string]string{"b": "2", "a": "1"})
	c := fingerprint(map[string]string{"a": "1", "b": "3"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestStatusFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := New(noopRunner, nil, nil, WithStatusFile(path))
	s.now = fixedNow(now)
	s.reconcile(map[string]string{"jira": "*/30 * * * *"})

	snapshot, err := ReadStatus(path)
	require.NoError(t, err)
	require.Contains(t, snapshot, "jira")
	assert.Equal(t, "*/30 * * * *", snapshot["jira"].Schedule)
	assert.Equal(t, "idle", snapshot["jira"].State)
	assert.Equal(t, now.Add(30*time.Minute).Unix(), snapshot["jira"].NextRun.Unix())
}
