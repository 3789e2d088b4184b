// Package queue implements the Task Queue: a priority+FIFO pending list, an
// id-indexed running map, and crash-safe snapshotting (spec §4.7).
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/task"
)

// Queue holds pending and running tasks and persists a recovery snapshot
// after every mutation.
type Queue struct {
	mu           sync.Mutex
	pending      []*task.Task
	running      map[string]*task.Task
	scheduled    []*task.Task // recurring templates, not directly runnable
	idempotency  map[string]string // idempotency key -> task id
	snapshotPath string
	log          *eventlog.Logger
	seq          uint64 // not read; equal-priority order comes from sort.SliceStable
}

// New creates a Queue rooted at runtimeDir/state/queue.json.
func New(runtimeDir string, log *eventlog.Logger) (*Queue, error) {
	dir := filepath.Join(runtimeDir, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Queue{
		running:      make(map[string]*task.Task),
		idempotency:  make(map[string]string),
		snapshotPath: filepath.Join(dir, "queue.json"),
		log:          log,
	}, nil
}

// Enqueue adds a task to the pending list. If t.IdempotencyKey is non-empty
// and already known, Enqueue is a no-op and returns false (spec §4.7 dedup).
func (q *Queue) Enqueue(t *task.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.IdempotencyKey != "" {
		if existingID, ok := q.idempotency[t.IdempotencyKey]; ok {
			_ = existingID
			return false, nil
		}
		q.idempotency[t.IdempotencyKey] = t.ID
	}

	t.Status = task.StatusPending
	q.pending = append(q.pending, t)
	q.sortPendingLocked()
	return true, q.snapshotLocked()
}

// EnqueueRecurring registers t as a recurring template (t.CronSchedule must
// be set): it is never run directly, only cloned into a fresh pending task
// each time PromoteDue finds it due (SPEC_FULL §6's cron-scheduled tasks).
func (q *Queue) EnqueueRecurring(t *task.Task, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next, err := NextCronRun(t.CronSchedule, now)
	if err != nil {
		return err
	}
	t.NextRunAt = next
	q.scheduled = append(q.scheduled, t)
	return q.snapshotLocked()
}

// PromoteDue clones every scheduled template whose NextRunAt has passed
// into a fresh pending task, then advances that template's NextRunAt to
// its following run. Returns the number of clones enqueued.
func (q *Queue) PromoteDue(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, tmpl := range q.scheduled {
		if tmpl.NextRunAt.IsZero() || now.Before(tmpl.NextRunAt) {
			continue
		}
		clone := *tmpl
		clone.ID = task.NewID()
		clone.Status = task.StatusPending
		clone.CreatedAt = now
		clone.NextRunAt = time.Time{}
		q.pending = append(q.pending, &clone)
		n++

		if next, err := NextCronRun(tmpl.CronSchedule, now); err == nil {
			tmpl.NextRunAt = next
		}
	}
	if n > 0 {
		q.sortPendingLocked()
		_ = q.snapshotLocked()
	}
	return n
}

// sortPendingLocked sorts by descending priority, stable for equal priority
// (Go's sort.SliceStable keeps equal-priority tasks in the order they were
// appended to pending, i.e. FIFO arrival).
func (q *Queue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Priority > q.pending[j].Priority
	})
}

// AssignTasks pops the highest-priority pending task for each idle worker
// id supplied, moving it into the running map. Returns the assignments
// made, worker id -> task.
func (q *Queue) AssignTasks(idleWorkerIDs []string) map[string]*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	assignments := make(map[string]*task.Task)
	for _, workerID := range idleWorkerIDs {
		if len(q.pending) == 0 {
			break
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		t.Status = task.StatusRunning
		t.AssignedWorkerID = workerID
		q.running[t.ID] = t
		assignments[workerID] = t
	}
	if len(assignments) > 0 {
		_ = q.snapshotLocked()
	}
	return assignments
}

// Cancel removes a pending task or flags a running one cancelled. Returns
// false if no task with that id was found in either index.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.pending {
		if t.ID == taskID {
			t.Status = task.StatusCancelled
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			_ = q.snapshotLocked()
			return true
		}
	}
	if t, ok := q.running[taskID]; ok {
		t.Status = task.StatusCancelled
		_ = q.snapshotLocked()
		return true
	}
	return false
}

// TimeoutEvent is what EnforceTimeouts reports for one task that crossed a
// deadline this tick.
type TimeoutEvent struct {
	Task    *task.Task
	Kind    string // "soft" or "hard"
}

// EnforceTimeouts scans running tasks for deadline crossings. Soft
// deadlines produce a "soft" event (the caller injects a nudge); hard
// deadlines force-terminate the task here and produce a "hard" event.
func (q *Queue) EnforceTimeouts(now time.Time) []TimeoutEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var events []TimeoutEvent
	for _, t := range q.running {
		if !t.HardDeadline.IsZero() && now.After(t.HardDeadline) {
			t.Status = task.StatusTimedOut
			events = append(events, TimeoutEvent{Task: t, Kind: "hard"})
			continue
		}
		if !t.SoftDeadline.IsZero() && now.After(t.SoftDeadline) {
			events = append(events, TimeoutEvent{Task: t, Kind: "soft"})
		}
	}
	for _, ev := range events {
		if ev.Kind == "hard" {
			delete(q.running, ev.Task.ID)
		}
	}
	if len(events) > 0 {
		_ = q.snapshotLocked()
	}
	return events
}

// Complete marks a running task terminal and removes it from the running
// index (spec §4.8 task_done handling).
func (q *Queue) Complete(taskID string, status task.Status, resultSummary string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.running[taskID]; ok {
		t.Status = status
		t.ResultSummary = resultSummary
		delete(q.running, taskID)
		_ = q.snapshotLocked()
	}
}

// RequeueAfterCrash re-inserts a running task at the head of pending,
// marking it RetryAfterWorkerCrash. If it was already marked (a second
// crash), it fails the task instead and returns false (spec §4.6).
func (q *Queue) RequeueAfterCrash(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[taskID]
	if !ok {
		return false
	}
	delete(q.running, taskID)

	if t.RetryAfterWorkerCrash {
		t.Status = task.StatusFailed
		t.ResultSummary = "worker crashed twice while executing this task"
		_ = q.snapshotLocked()
		return false
	}

	t.RetryAfterWorkerCrash = true
	t.Status = task.StatusPending
	t.AssignedWorkerID = ""
	q.pending = append([]*task.Task{t}, q.pending...)
	_ = q.snapshotLocked()
	return true
}

// Running returns the task assigned to taskID if it is currently running.
func (q *Queue) Running(taskID string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[taskID]
	return t, ok
}

// Counts returns (pending, running) sizes for heartbeat reporting.
func (q *Queue) Counts() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.running)
}

type snapshot struct {
	PendingIDs []string     `json:"pending_ids"`
	RunningIDs []string     `json:"running_ids"`
	Pending    []*task.Task `json:"pending"`
	Running    []*task.Task `json:"running"`
	Scheduled  []*task.Task `json:"scheduled,omitempty"`
}

func (q *Queue) snapshotLocked() error {
	snap := snapshot{Pending: q.pending, Scheduled: q.scheduled}
	for _, t := range q.pending {
		snap.PendingIDs = append(snap.PendingIDs, t.ID)
	}
	for _, t := range q.running {
		snap.RunningIDs = append(snap.RunningIDs, t.ID)
		snap.Running = append(snap.Running, t)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return q.ioFail("marshal_queue_snapshot", err)
	}
	tmp := q.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return q.ioFail("write_queue_snapshot", err)
	}
	if err := os.Rename(tmp, q.snapshotPath); err != nil {
		return q.ioFail("rename_queue_snapshot", err)
	}
	return nil
}

func (q *Queue) ioFail(op string, cause error) error {
	if q.log != nil {
		_ = q.log.Append(eventlog.StreamEvents, "queue_store_error", map[string]any{
			"op":    op,
			"error": cause.Error(),
		})
	}
	return fmt.Errorf("queue %s: %w", op, cause)
}

// Restore reloads the snapshot from disk, skipping any task whose id
// already has a task_done event in the events log (spec §4.7, §8 invariant
// 7: crash recovery never resurrects a task that actually finished).
func Restore(runtimeDir string, log *eventlog.Logger) (*Queue, error) {
	q, err := New(runtimeDir, log)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(q.snapshotPath)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse queue snapshot: %w", err)
	}

	for _, t := range snap.Pending {
		done, err := eventlog.TaskDoneEvent(runtimeDir, t.ID)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		q.pending = append(q.pending, t)
		if t.IdempotencyKey != "" {
			q.idempotency[t.IdempotencyKey] = t.ID
		}
	}
	for _, t := range snap.Running {
		done, err := eventlog.TaskDoneEvent(runtimeDir, t.ID)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		// A task still marked running across a restart means its worker
		// died with it; requeue rather than silently resurrecting it as
		// "running" under a worker that no longer exists.
		t.Status = task.StatusPending
		t.AssignedWorkerID = ""
		t.RetryAfterWorkerCrash = true
		q.pending = append(q.pending, t)
	}
	q.scheduled = append(q.scheduled, snap.Scheduled...)
	q.sortPendingLocked()
	return q, nil
}
