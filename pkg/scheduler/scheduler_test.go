package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/tracing"
	"github.com/kestrelhq/kestrel/pkg/mailbox"
	"github.com/kestrelhq/kestrel/pkg/state"
	"github.com/kestrelhq/kestrel/pkg/toolloop"
	"github.com/kestrelhq/kestrel/pkg/workerpool"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []toolloop.Params
	fn   func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
	f.mu.Lock()
	f.runs = append(f.runs, p)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, p)
	}
	return toolloop.Outcome{State: toolloop.StateDone, Result: "done: " + p.Description, Rounds: 1}, nil
}

func (f *fakeRunner) descriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.runs))
	for i, p := range f.runs {
		out[i] = p.Description
	}
	return out
}

type fixture struct {
	scheduler *Scheduler
	store     *state.Store
	runner    *fakeRunner
	pool      *workerpool.Pool
}

func newFixture(t *testing.T, cfg Config, poolCfg workerpool.Config) *fixture {
	t.Helper()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"), "owner-1", state.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if poolCfg.MaxWorkers == 0 {
		poolCfg.MaxWorkers = 2
	}
	if poolCfg.HardTimeout == 0 {
		poolCfg.HardTimeout = time.Hour
	}
	poolCfg.CheckInterval = 10 * time.Millisecond
	pool, err := workerpool.New(poolCfg, store, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runner := &fakeRunner{}
	router := mailbox.NewRouter(func(mailbox.Message) {}, nil, nil, zerolog.Nop())
	sched := New(cfg, store, pool, runner, router, nil, nil, zerolog.Nop())
	t.Cleanup(sched.Stop)

	return &fixture{scheduler: sched, store: store, runner: runner, pool: pool}
}

func TestScheduleRunsToCompletion(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1, MaxDepth: 3}, workerpool.Config{MaxWorkers: 1})
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Summarize the quarterly report", "", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, err := f.scheduler.Wait(context.Background(), taskID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, task.Status)
	assert.Equal(t, "done: Summarize the quarterly report", task.Result)

	result, done, err := f.scheduler.Result(taskID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "done: Summarize the quarterly report", result)
}

func TestSlotZeroAssignmentIsExplicit(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{MaxWorkers: 1})

	var observed *int
	f.runner.fn = func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
		snap, err := f.store.Read()
		require.NoError(t, err)
		task := snap.Tasks[p.TaskID]
		require.NotNil(t, task)
		observed = task.AssignedSlot
		return toolloop.Outcome{State: toolloop.StateDone, Rounds: 1}, nil
	}
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Run the nightly consistency audit", "", Options{})
	require.NoError(t, err)

	_, err = f.scheduler.Wait(context.Background(), taskID, 5*time.Second)
	require.NoError(t, err)

	// Slot 0 is a real assignment, not an absent one.
	require.NotNil(t, observed)
	assert.Equal(t, 0, *observed)

	snap, err := f.store.Read()
	require.NoError(t, err)
	assert.Nil(t, snap.Tasks[taskID].AssignedSlot)
}

func TestDedupRejectsNearDuplicates(t *testing.T) {
	f := newFixture(t, Config{DedupThreshold: 0.55}, workerpool.Config{})

	first, err := f.scheduler.Schedule("Fix the login page redirect bug", "", Options{})
	require.NoError(t, err)

	_, err = f.scheduler.Schedule("Fix the login page redirect bug", "", Options{})
	require.ErrorIs(t, err, ErrDuplicateTask)

	_, err = f.scheduler.Schedule("Fix the login page redirect issue", "", Options{})
	require.ErrorIs(t, err, ErrDuplicateTask)

	// Dissimilar work is admitted.
	second, err := f.scheduler.Schedule("Upgrade postgres to the next major version", "", Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDedupIgnoresTerminalTasks(t *testing.T) {
	f := newFixture(t, Config{DedupThreshold: 0.55}, workerpool.Config{MaxWorkers: 1})
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Rotate the signing keys", "", Options{})
	require.NoError(t, err)
	_, err = f.scheduler.Wait(context.Background(), taskID, 5*time.Second)
	require.NoError(t, err)

	// The first task is done; the same description is admissible again.
	_, err = f.scheduler.Schedule("Rotate the signing keys", "", Options{})
	require.NoError(t, err)
}

func TestDepthLimit(t *testing.T) {
	f := newFixture(t, Config{MaxDepth: 3}, workerpool.Config{})

	root, err := f.scheduler.Schedule("Investigate the checkout latency regression", "", Options{})
	require.NoError(t, err)

	child, err := f.scheduler.Schedule("Profile the payment service endpoints", "", Options{ParentID: root})
	require.NoError(t, err)

	grandchild, err := f.scheduler.Schedule("Collect traces from the database tier", "", Options{ParentID: child})
	require.NoError(t, err)

	_, err = f.scheduler.Schedule("Inspect replica lag on the standby", "", Options{ParentID: grandchild})
	require.ErrorIs(t, err, ErrDepthLimit)

	snap, err := f.store.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Tasks[root].Depth)
	assert.Equal(t, 1, snap.Tasks[child].Depth)
	assert.Equal(t, 2, snap.Tasks[grandchild].Depth)
}

func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{MaxWorkers: 1})

	// Enqueued in reverse priority order before the dispatch loop runs.
	low, err := f.scheduler.Schedule("Tidy up stale feature branches", "", Options{Priority: state.PriorityLow})
	require.NoError(t, err)
	bg, err := f.scheduler.Schedule("Compact the event archive", "", Options{Priority: state.PriorityBackground})
	require.NoError(t, err)
	urgent, err := f.scheduler.Schedule("Review the pending deploy request", "", Options{Priority: state.PriorityTask})
	require.NoError(t, err)

	f.scheduler.Start()
	for _, id := range []string{urgent, bg, low} {
		_, err := f.scheduler.Wait(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"Review the pending deploy request",
		"Compact the event archive",
		"Tidy up stale feature branches",
	}, f.runner.descriptions())
}

func TestWorkerTimeoutSchedulesOneLineageRetry(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1}, workerpool.Config{
		MaxWorkers:  1,
		HardTimeout: 60 * time.Millisecond,
	})

	block := make(chan struct{})
	defer close(block)
	f.runner.fn = func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
		<-block
		return toolloop.Outcome{}, errors.New("never reached")
	}
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Migrate the audit tables", "", Options{})
	require.NoError(t, err)

	// Both the original and its single retry time out; no third attempt.
	require.Eventually(t, func() bool {
		snap, err := f.store.Read()
		if err != nil {
			return false
		}
		terminal := 0
		for _, task := range snap.Tasks {
			if task.Terminal() {
				terminal++
			}
		}
		return terminal == 2
	}, 5*time.Second, 20*time.Millisecond)

	snap, err := f.store.Read()
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 2)

	original := snap.Tasks[taskID]
	require.NotNil(t, original)
	assert.Equal(t, state.StatusTimeout, original.Status)
	assert.Equal(t, 1, original.Attempt)

	var retry *state.Task
	for id, task := range snap.Tasks {
		if id != taskID {
			retry = task
		}
	}
	require.NotNil(t, retry)
	assert.NotEqual(t, taskID, retry.ID)
	assert.Equal(t, taskID, retry.OriginalTaskID)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, state.StatusTimeout, retry.Status)
	assert.Less(t, retry.QueueSeq, int64(0))
}

func TestRetrySkipsDedup(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1, DedupThreshold: 0.55}, workerpool.Config{
		MaxWorkers:  1,
		HardTimeout: 60 * time.Millisecond,
	})

	block := make(chan struct{})
	defer close(block)
	first := true
	var mu sync.Mutex
	f.runner.fn = func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
		mu.Lock()
		wasFirst := first
		first = false
		mu.Unlock()
		if wasFirst {
			<-block
		}
		return toolloop.Outcome{State: toolloop.StateDone, Result: "recovered", Rounds: 1}, nil
	}
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Re-index the search cluster", "", Options{})
	require.NoError(t, err)

	// The retry has an identical description to a task that just timed
	// out; admission must not reject it.
	require.Eventually(t, func() bool {
		snap, err := f.store.Read()
		if err != nil {
			return false
		}
		for id, task := range snap.Tasks {
			if id != taskID && task.Status == state.StatusCompleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunContextCarriesTaskIdentity(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{})

	type identity struct{ taskID, origin string }
	seen := make(chan identity, 1)
	f.runner.fn = func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
		seen <- identity{taskID: tracing.GetTaskID(ctx), origin: tracing.GetOrigin(ctx)}
		return toolloop.Outcome{State: toolloop.StateDone, Result: "ok"}, nil
	}
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Index the documentation tree", "", Options{})
	require.NoError(t, err)

	_, err = f.scheduler.Wait(context.Background(), taskID, 5*time.Second)
	require.NoError(t, err)

	got := <-seen
	assert.Equal(t, taskID, got.taskID)
	assert.Equal(t, state.OriginOwner, got.origin)
}

func TestToolResolutionShowsWaitingResult(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{})

	statuses := make(chan string, 2)
	f.runner.fn = func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
		p.OnState(toolloop.StateAwaitingTools)
		snap, err := f.store.Read()
		if err != nil {
			return toolloop.Outcome{}, err
		}
		statuses <- snap.Tasks[p.TaskID].Status

		p.OnState(toolloop.StateAwaitingModel)
		snap, err = f.store.Read()
		if err != nil {
			return toolloop.Outcome{}, err
		}
		statuses <- snap.Tasks[p.TaskID].Status
		return toolloop.Outcome{State: toolloop.StateDone, Result: "ok"}, nil
	}
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Fetch the dependency manifest", "", Options{})
	require.NoError(t, err)

	task, err := f.scheduler.Wait(context.Background(), taskID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, task.Status)
	assert.Equal(t, state.StatusWaitingResult, <-statuses)
	assert.Equal(t, state.StatusRunning, <-statuses)
}

func TestConcurrentDuplicateAdmissionAdmitsOne(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{})

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.scheduler.Schedule("Compress the archive directory", "", Options{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	admitted := 0
	for err := range errs {
		if err == nil {
			admitted++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateTask)
	}
	assert.Equal(t, 1, admitted)

	snap, err := f.store.Read()
	require.NoError(t, err)
	assert.Len(t, snap.Tasks, 1)
}

func TestCancelledQueuedTaskNeverDispatches(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{})

	taskID, err := f.scheduler.Schedule("Rotate the archive logs", "", Options{})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Cancel(taskID, "superseded"))

	f.scheduler.Start()
	time.Sleep(150 * time.Millisecond)

	assert.Empty(t, f.runner.descriptions())
	snap, err := f.store.Read()
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, snap.Tasks[taskID].Status)
	assert.Empty(t, snap.Queue)
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{})

	taskID, err := f.scheduler.Schedule("Draft the incident postmortem", "", Options{})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Cancel(taskID, "owner changed their mind"))

	snap, err := f.store.Read()
	require.NoError(t, err)
	task := snap.Tasks[taskID]
	assert.Equal(t, state.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "owner changed their mind")
	assert.Empty(t, snap.QueuedTasks())

	require.Error(t, f.scheduler.Cancel(taskID, "again"))
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{MaxWorkers: 1})

	started := make(chan struct{})
	f.runner.fn = func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
		close(started)
		<-ctx.Done()
		return toolloop.Outcome{}, ctx.Err()
	}
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Crawl the documentation site", "", Options{})
	require.NoError(t, err)

	<-started
	require.NoError(t, f.scheduler.Cancel(taskID, "superseded"))

	task, err := f.scheduler.Wait(context.Background(), taskID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "superseded")
}

func TestWaitTimesOutOnPendingTask(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{MaxWorkers: 1})

	f.runner.fn = func(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error) {
		<-ctx.Done()
		return toolloop.Outcome{}, ctx.Err()
	}
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Watch the long-running export", "", Options{})
	require.NoError(t, err)

	task, err := f.scheduler.Wait(context.Background(), taskID, 150*time.Millisecond)
	require.Error(t, err)
	require.NotNil(t, task)
	assert.False(t, task.Terminal())

	// Result reports pending without error.
	_, done, err := f.scheduler.Result(taskID)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{})

	_, err := f.scheduler.Schedule("", "", Options{})
	require.ErrorIs(t, err, ErrEmptyDescription)

	_, err = f.scheduler.Schedule("Orphaned child work", "", Options{ParentID: "no-such-task"})
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, _, err = f.scheduler.Result("no-such-task")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestBackgroundOriginFlagsLoopParams(t *testing.T) {
	f := newFixture(t, Config{}, workerpool.Config{MaxWorkers: 1})
	f.scheduler.Start()

	taskID, err := f.scheduler.Schedule("Evolve the planning heuristics", "", Options{
		Origin:    state.OriginBackground,
		MaxRounds: 8,
	})
	require.NoError(t, err)

	_, err = f.scheduler.Wait(context.Background(), taskID, 5*time.Second)
	require.NoError(t, err)

	require.Len(t, f.runner.runs, 1)
	p := f.runner.runs[0]
	assert.True(t, p.Background)
	assert.Equal(t, 8, p.MaxRounds)

	snap, err := f.store.Read()
	require.NoError(t, err)
	assert.Equal(t, state.PriorityBackground, snap.Tasks[taskID].Priority)
}
