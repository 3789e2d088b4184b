// Package process provides a lane-serialized task queue. The runtime uses
// exactly one lane (the Git Coordinator's "git" lane, spec §5 "git
// mutex") but the lane abstraction is kept so a second serialized
// resource (e.g. a future package-manager lock) can reuse it without
// touching this package.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CommandLane names an independent FIFO queue; tasks in different lanes
// never block each other, tasks within a lane run up to maxConcurrent at
// a time (1, for a true mutex).
type CommandLane string

// LaneMain is used when no lane is specified.
const LaneMain CommandLane = "main"

// DefaultWarnAfterMs is the default threshold for warning about long wait times.
const DefaultWarnAfterMs = 2000

// queueEntry is a task waiting to run in a lane.
type queueEntry struct {
	task        func(ctx context.Context) (any, error)
	enqueuedAt  time.Time
	warnAfterMs int
	onWait      func(waitMs int, queuedAhead int)

	resultCh chan any
	errCh    chan error
}

// laneState is a single lane's FIFO queue and in-flight count.
type laneState struct {
	lane          CommandLane
	queue         []*queueEntry
	active        int
	maxConcurrent int
	draining      bool
	mu            sync.Mutex
}

// EnqueueOptions configures how a task is enqueued.
type EnqueueOptions struct {
	// WarnAfterMs is the threshold in milliseconds for wait time warnings.
	// Defaults to DefaultWarnAfterMs if not set.
	WarnAfterMs int
	// OnWait is called when the task has waited longer than WarnAfterMs
	// before starting, so a caller can surface slow-queue diagnostics.
	OnWait func(waitMs int, queuedAhead int)
	// Context is the context for task execution. Defaults to context.Background().
	Context context.Context
}

// CommandQueue serializes task execution within each lane while letting
// distinct lanes proceed independently.
type CommandQueue struct {
	lanes map[CommandLane]*laneState
	mu    sync.RWMutex
}

// NewCommandQueue creates an empty CommandQueue; lanes are created lazily
// on first use, each with concurrency 1.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{lanes: make(map[CommandLane]*laneState)}
}

// ensureState gets or creates a lane state with proper locking.
func (cq *CommandQueue) ensureState(lane CommandLane) *laneState {
	if lane == "" {
		lane = LaneMain
	}

	cq.mu.RLock()
	state, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if exists {
		return state
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if state, exists := cq.lanes[lane]; exists {
		return state
	}
	state = &laneState{lane: lane, maxConcurrent: 1}
	cq.lanes[lane] = state
	return state
}

// drainLane processes queued tasks up to the concurrency limit.
func (cq *CommandQueue) drainLane(lane CommandLane) {
	state := cq.ensureState(lane)

	state.mu.Lock()
	if state.draining {
		state.mu.Unlock()
		return
	}
	state.draining = true
	state.mu.Unlock()

	cq.pump(state)
}

// pump runs queued tasks while under the lane's concurrency limit.
func (cq *CommandQueue) pump(state *laneState) {
	for {
		state.mu.Lock()
		if state.active >= state.maxConcurrent || len(state.queue) == 0 {
			state.draining = false
			state.mu.Unlock()
			return
		}

		entry := state.queue[0]
		state.queue = state.queue[1:]
		queuedAhead := len(state.queue)

		waitedMs := int(time.Since(entry.enqueuedAt).Milliseconds())
		if waitedMs >= entry.warnAfterMs && entry.onWait != nil {
			entry.onWait(waitedMs, queuedAhead)
		}

		state.active++
		state.mu.Unlock()

		go func(e *queueEntry) {
			result, err := e.task(context.Background())

			state.mu.Lock()
			state.active--
			state.mu.Unlock()

			if err != nil {
				e.errCh <- err
			} else {
				e.resultCh <- result
			}

			cq.pump(state)
		}(entry)
	}
}

// EnqueueInLane runs task in lane, serialized against every other task
// already queued on that lane, and blocks until it completes or ctx is
// canceled.
func EnqueueInLane[T any](cq *CommandQueue, lane CommandLane, task func(ctx context.Context) (T, error), opts *EnqueueOptions) (T, error) {
	if lane == "" {
		lane = LaneMain
	}

	warnAfterMs := DefaultWarnAfterMs
	var onWait func(int, int)
	ctx := context.Background()

	if opts != nil {
		if opts.WarnAfterMs > 0 {
			warnAfterMs = opts.WarnAfterMs
		}
		onWait = opts.OnWait
		if opts.Context != nil {
			ctx = opts.Context
		}
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	entry := &queueEntry{
		task: func(context.Context) (any, error) {
			return task(ctx)
		},
		enqueuedAt:  time.Now(),
		warnAfterMs: warnAfterMs,
		onWait:      onWait,
		resultCh:    resultCh,
		errCh:       errCh,
	}

	state := cq.ensureState(lane)
	state.mu.Lock()
	state.queue = append(state.queue, entry)
	state.mu.Unlock()

	cq.drainLane(lane)

	var zero T
	select {
	case result := <-resultCh:
		if result == nil {
			return zero, nil
		}
		typed, ok := result.(T)
		if !ok {
			return zero, fmt.Errorf("process: unexpected task result type %T", result)
		}
		return typed, nil
	case err := <-errCh:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Enqueue runs task on the main lane; see EnqueueInLane.
func Enqueue[T any](cq *CommandQueue, task func(ctx context.Context) (T, error), opts *EnqueueOptions) (T, error) {
	return EnqueueInLane(cq, LaneMain, task, opts)
}

// QueueDepth returns the number of tasks queued (not yet running) on lane.
func (cq *CommandQueue) QueueDepth(lane CommandLane) int {
	if lane == "" {
		lane = LaneMain
	}

	cq.mu.RLock()
	state, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	state.mu.Lock()
	depth := len(state.queue)
	state.mu.Unlock()
	return depth
}
