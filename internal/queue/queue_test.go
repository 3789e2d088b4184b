package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/task"
)

func newQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return q
}

func TestEnqueue_DedupsByIdempotencyKey(t *testing.T) {
	q := newQueue(t)
	t1 := &task.Task{ID: task.NewID(), IdempotencyKey: "update-42"}
	t2 := &task.Task{ID: task.NewID(), IdempotencyKey: "update-42"}

	ok1, err := q.Enqueue(t1)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := q.Enqueue(t2)
	require.NoError(t, err)
	assert.False(t, ok2)

	pending, _ := q.Counts()
	assert.Equal(t, 1, pending)
}

func TestAssignTasks_HighestPriorityFirst(t *testing.T) {
	q := newQueue(t)
	low := &task.Task{ID: task.NewID(), Priority: 1}
	high := &task.Task{ID: task.NewID(), Priority: 10}
	_, _ = q.Enqueue(low)
	_, _ = q.Enqueue(high)

	assigned := q.AssignTasks([]string{"worker-1"})
	require.Contains(t, assigned, "worker-1")
	assert.Equal(t, high.ID, assigned["worker-1"].ID)
}

func TestAssignTasks_StableFIFOWithinEqualPriority(t *testing.T) {
	q := newQueue(t)
	first := &task.Task{ID: task.NewID(), Priority: 5}
	second := &task.Task{ID: task.NewID(), Priority: 5}
	_, _ = q.Enqueue(first)
	_, _ = q.Enqueue(second)

	assigned := q.AssignTasks([]string{"worker-1"})
	assert.Equal(t, first.ID, assigned["worker-1"].ID)
}

func TestCancel_RemovesPendingTask(t *testing.T) {
	q := newQueue(t)
	t1 := &task.Task{ID: task.NewID()}
	_, _ = q.Enqueue(t1)

	assert.True(t, q.Cancel(t1.ID))
	pending, _ := q.Counts()
	assert.Equal(t, 0, pending)
}

func TestCancel_FlagsRunningTask(t *testing.T) {
	q := newQueue(t)
	t1 := &task.Task{ID: task.NewID()}
	_, _ = q.Enqueue(t1)
	q.AssignTasks([]string{"worker-1"})

	assert.True(t, q.Cancel(t1.ID))
	running, ok := q.Running(t1.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelled, running.Status)
}

func TestEnforceTimeouts_HardDeadlineTerminatesTask(t *testing.T) {
	q := newQueue(t)
	t1 := &task.Task{ID: task.NewID(), HardDeadline: time.Now().Add(-time.Minute)}
	_, _ = q.Enqueue(t1)
	q.AssignTasks([]string{"worker-1"})

	events := q.EnforceTimeouts(time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, "hard", events[0].Kind)

	_, ok := q.Running(t1.ID)
	assert.False(t, ok)
}

func TestEnforceTimeouts_SoftDeadlineKeepsTaskRunning(t *testing.T) {
	q := newQueue(t)
	t1 := &task.Task{ID: task.NewID(), SoftDeadline: time.Now().Add(-time.Minute)}
	_, _ = q.Enqueue(t1)
	q.AssignTasks([]string{"worker-1"})

	events := q.EnforceTimeouts(time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, "soft", events[0].Kind)

	_, ok := q.Running(t1.ID)
	assert.True(t, ok)
}

func TestRequeueAfterCrash_SecondCrashFails(t *testing.T) {
	q := newQueue(t)
	t1 := &task.Task{ID: task.NewID()}
	_, _ = q.Enqueue(t1)
	q.AssignTasks([]string{"worker-1"})

	assert.True(t, q.RequeueAfterCrash(t1.ID))
	q.AssignTasks([]string{"worker-1"})

	assert.False(t, q.RequeueAfterCrash(t1.ID))
	assert.Equal(t, task.StatusFailed, t1.Status)
}

func TestRestore_SkipsTasksAlreadyDone(t *testing.T) {
	dir := t.TempDir()
	q, err := New(dir, nil)
	require.NoError(t, err)

	t1 := &task.Task{ID: task.NewID()}
	t2 := &task.Task{ID: task.NewID()}
	_, _ = q.Enqueue(t1)
	_, _ = q.Enqueue(t2)

	logger, err := eventlog.NewLogger(dir)
	require.NoError(t, err)
	require.NoError(t, logger.Append(eventlog.StreamEvents, "task_done", map[string]any{"task_id": t1.ID}))
	require.NoError(t, logger.Close())

	restored, err := Restore(dir, nil)
	require.NoError(t, err)
	pending, _ := restored.Counts()
	assert.Equal(t, 1, pending)
}

func TestNextCronRun_AcceptsFiveAndSixFieldExpressions(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next5, err := NextCronRun("0 3 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, 3, next5.Hour())

	next6, err := NextCronRun("30 0 3 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, 3, next6.Hour())
	assert.Equal(t, 30, next6.Second())
}

func TestNextCronRun_RejectsInvalidExpression(t *testing.T) {
	_, err := NextCronRun("not a cron expr", time.Now())
	assert.Error(t, err)
}

func TestEnqueueRecurring_DoesNotAppearInPending(t *testing.T) {
	q := newQueue(t)
	tmpl := &task.Task{ID: task.NewID(), CronSchedule: "0 3 * * *"}

	require.NoError(t, q.EnqueueRecurring(tmpl, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	pending, _ := q.Counts()
	assert.Equal(t, 0, pending)
	assert.False(t, tmpl.NextRunAt.IsZero())
}

func TestPromoteDue_ClonesTemplateWhenDue(t *testing.T) {
	q := newQueue(t)
	tmpl := &task.Task{ID: "tmpl-1", Text: "nightly digest", CronSchedule: "0 3 * * *"}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, q.EnqueueRecurring(tmpl, base))

	n := q.PromoteDue(base.Add(2 * time.Hour))
	assert.Equal(t, 0, n, "not due yet")

	n = q.PromoteDue(base.Add(4 * time.Hour))
	assert.Equal(t, 1, n)
	pending, _ := q.Counts()
	assert.Equal(t, 1, pending)

	n = q.PromoteDue(base.Add(4 * time.Hour))
	assert.Equal(t, 0, n, "already advanced past this run")
}
