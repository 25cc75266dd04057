package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

// mockStarter records Start calls.
type mockStarter struct {
	mu     sync.Mutex
	inputs []any
	err    error
}

func (m *mockStarter) Start(_ context.Context, def *schema.Workflow, input any) (*schema.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	return &schema.WorkflowInstance{ID: uuid.NewString(), Name: def.Document.Name}, nil
}

func (m *mockStarter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func newTestScheduler(runner Starter, now time.Time) *Scheduler {
	s := NewScheduler(runner, slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Millisecond)
	s.now = func() time.Time { return now }
	return s
}

func scheduled(name, cronExpr string, every time.Duration) *schema.Workflow {
	def := &schema.Workflow{
		Document: schema.Document{DSL: "1.0.0", Namespace: "test", Name: name, Version: "1.0.0"},
		Schedule: &schema.Schedule{Cron: cronExpr},
	}
	if every > 0 {
		d := schema.NewDuration(every)
		def.Schedule.Every = &d
	}
	return def
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(&mockStarter{}, time.Now())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun(&Job{Cron: "0 * * * *"}, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun(&Job{Cron: "*/15 * * * *"}, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun(&Job{Cron: "@daily"}, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun(&Job{Every: 90 * time.Second}, from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(90*time.Second), next)

	_, err = sched.CalculateNextRun(&Job{Cron: "invalid cron"}, from)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.AsFlowError(err).Code)
}

func TestAdd_ValidatesSchedule(t *testing.T) {
	sched := newTestScheduler(&mockStarter{}, time.Now())

	_, err := sched.Add(&schema.Workflow{}, nil)
	assert.Error(t, err, "no schedule")
	_, err = sched.Add(scheduled("both", "* * * * *", time.Minute), nil)
	assert.Error(t, err)
	_, err = sched.Add(scheduled("neither", "", 0), nil)
	assert.Error(t, err)
	_, err = sched.Add(scheduled("bad", "not a cron", 0), nil)
	assert.Error(t, err)
	assert.Empty(t, sched.Jobs())
}

func TestAdd_ComputesFirstRun(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 30, 0, time.UTC)
	sched := newTestScheduler(&mockStarter{}, now)

	job, err := sched.Add(scheduled("nightly", "0 2 * * *", 0), nil)
	require.NoError(t, err)
	assert.Equal(t, "test.nightly:1.0.0", job.ID)
	assert.Equal(t, time.Date(2026, 2, 11, 2, 0, 0, 0, time.UTC), *job.NextRunAt)

	job, err = sched.Add(scheduled("poll", "", time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), *job.NextRunAt)
	assert.Len(t, sched.Jobs(), 2)
}

func TestTick_RunsDueJobs(t *testing.T) {
	runner := &mockStarter{}
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	sched := newTestScheduler(runner, now)
	_, err := sched.Add(scheduled("poll", "", time.Minute), map[string]any{"source": "cron"})
	require.NoError(t, err)
	_, err = sched.Add(scheduled("later", "", time.Hour), nil)
	require.NoError(t, err)

	sched.now = func() time.Time { return now.Add(time.Minute) }
	sched.tick(context.Background())

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, map[string]any{"source": "cron"}, runner.inputs[0])

	jobs := sched.Jobs()
	require.Len(t, jobs, 2)
	poll := jobs[1]
	assert.Equal(t, "test.poll:1.0.0", poll.ID)
	assert.Equal(t, StatusStarted, poll.LastRunStatus)
	assert.Equal(t, 1, poll.Runs)
	assert.NotEmpty(t, poll.LastInstanceID)
	assert.Equal(t, now.Add(2*time.Minute), *poll.NextRunAt)
	assert.Zero(t, jobs[0].Runs)
}

func TestTick_NilInputIsUntyped(t *testing.T) {
	runner := &mockStarter{}
	now := time.Now().UTC()
	sched := newTestScheduler(runner, now)
	_, err := sched.Add(scheduled("poll", "", time.Second), nil)
	require.NoError(t, err)

	sched.now = func() time.Time { return now.Add(time.Second) }
	sched.tick(context.Background())
	require.Equal(t, 1, runner.callCount())
	assert.Nil(t, runner.inputs[0])
}

func TestTick_RecordsStartFailure(t *testing.T) {
	runner := &mockStarter{err: errors.New("pool closed")}
	now := time.Now().UTC()
	sched := newTestScheduler(runner, now)
	_, err := sched.Add(scheduled("poll", "", time.Second), nil)
	require.NoError(t, err)

	sched.now = func() time.Time { return now.Add(time.Second) }
	sched.tick(context.Background())

	job := sched.Jobs()[0]
	assert.Equal(t, StatusError, job.LastRunStatus)
	assert.Empty(t, job.LastInstanceID)
	assert.Equal(t, now.Add(2*time.Second), *job.NextRunAt, "failures still advance the schedule")
}

func TestTick_SkipsInflightJobs(t *testing.T) {
	runner := &mockStarter{}
	now := time.Now().UTC()
	sched := newTestScheduler(runner, now)
	job, err := sched.Add(scheduled("poll", "", time.Second), nil)
	require.NoError(t, err)

	require.True(t, sched.tryAcquire(job.ID))
	sched.now = func() time.Time { return now.Add(time.Second) }
	sched.tick(context.Background())
	assert.Equal(t, 0, runner.callCount())

	sched.releaseJob(job.ID)
	sched.tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestRemove(t *testing.T) {
	sched := newTestScheduler(&mockStarter{}, time.Now())
	job, err := sched.Add(scheduled("poll", "", time.Second), nil)
	require.NoError(t, err)
	assert.True(t, sched.Remove(job.ID))
	assert.False(t, sched.Remove(job.ID))
	assert.Empty(t, sched.Jobs())
}

func TestStartStop(t *testing.T) {
	runner := &mockStarter{}
	sched := NewScheduler(runner, slog.New(slog.NewTextHandler(io.Discard, nil)), 5*time.Millisecond)
	_, err := sched.Add(scheduled("fast", "", 5*time.Millisecond), nil)
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()), "already started")

	assert.Eventually(t, func() bool { return runner.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())

	stopped := runner.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runner.callCount())
}
