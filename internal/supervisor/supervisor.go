// Package supervisor implements Supervisor Main (spec §4.10): process
// bootstrap, the owner-facing chat main loop, and graceful shutdown. It
// wires together every other component — State Store, Task Queue, Worker
// Pool, Event Dispatcher, Git Coordinator, chat Transport — without owning
// their internals.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/channels"
	"github.com/ouroboros-agent/ouroboros/internal/chat"
	"github.com/ouroboros-agent/ouroboros/internal/dispatch"
	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/git"
	"github.com/ouroboros-agent/ouroboros/internal/lock"
	"github.com/ouroboros-agent/ouroboros/internal/queue"
	"github.com/ouroboros-agent/ouroboros/internal/restartctl"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/task"
	"github.com/ouroboros-agent/ouroboros/internal/worker"
)

// updateDedupRingSize bounds how many recently-seen update ids the main
// loop remembers, so a redelivered update is never dispatched twice
// (spec §4.10 step 2, §8 invariant 5).
const updateDedupRingSize = 4000

// Supervisor owns the main loop. Every dependency is constructed by the
// caller (cmd/ouroboros's serve command in production, a test harness in
// tests) so the loop itself never reaches for global state.
type Supervisor struct {
	RuntimeDir string

	State    *state.Store
	Queue    *queue.Queue
	Pool     *worker.Pool
	Dispatch *dispatch.Dispatcher
	Git      *git.Coordinator
	Chat     chat.Transport
	Lock     *lock.Handle
	Log      *eventlog.Logger

	PollTimeoutSec int
	LoopSleepSec   int
	HeartbeatSec   int
	MaxWorkers     int

	seenUpdates   *dedupRing
	lastHeartbeat time.Time
	pollReconnect *channels.Reconnector
}

// New assembles a Supervisor from its already-constructed dependencies.
func New(runtimeDir string, st *state.Store, q *queue.Queue, pool *worker.Pool, d *dispatch.Dispatcher, gc *git.Coordinator, transport chat.Transport, lockHandle *lock.Handle, log *eventlog.Logger) *Supervisor {
	return &Supervisor{
		RuntimeDir:     runtimeDir,
		State:          st,
		Queue:          q,
		Pool:           pool,
		Dispatch:       d,
		Git:            gc,
		Chat:           transport,
		Lock:           lockHandle,
		Log:            log,
		PollTimeoutSec: 30,
		LoopSleepSec:   2,
		HeartbeatSec:   60,
		MaxWorkers:     3,
		seenUpdates:    newDedupRing(updateDedupRingSize),
		pollReconnect: &channels.Reconnector{
			Config: channels.ReconnectConfig{
				MaxAttempts:  3,
				InitialDelay: 1 * time.Second,
				MaxDelay:     10 * time.Second,
				Factor:       2,
				Jitter:       true,
			},
		},
	}
}

// Run executes startup then the main loop until ctx is cancelled, at which
// point it shuts down cleanly and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Bootstrap(ctx); err != nil {
		return fmt.Errorf("supervisor bootstrap: %w", err)
	}
	defer s.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.Tick(ctx); err != nil {
			s.logSupervisor("tick_error", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(s.loopSleep()) * time.Second):
		}
	}
}

// Bootstrap runs the startup sequence: consume any restart sentinel left
// by a prior exec, spawn the worker pool, and resume chat polling from the
// persisted offset (spec §4.10 "startup").
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if sentinel, err := restartctl.ConsumeSentinel(s.RuntimeDir); err == nil && sentinel != nil {
		s.logSupervisor("resumed_after_restart", map[string]any{
			"summary": restartctl.Summarize(sentinel.Payload),
		})
	}
	if s.Pool != nil {
		if err := s.Pool.Start(ctx, s.maxWorkers()); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs one iteration of the main loop: poll chat, dispatch owner
// input, drain worker events, assign pending work, enforce timeouts, check
// worker health, promote due recurring tasks, and heartbeat (spec §4.10
// "main loop").
func (s *Supervisor) Tick(ctx context.Context) error {
	if s.Chat != nil {
		if err := s.pollChat(ctx); err != nil {
			s.logSupervisor("poll_chat_error", map[string]any{"error": err.Error()})
		}
	}

	if s.Pool != nil && s.Dispatch != nil {
		s.Dispatch.Drain(ctx, s.Pool.Events())
	}

	if s.Queue != nil && s.Pool != nil {
		idle := s.Pool.IdleWorkerIDs()
		assignments := s.Queue.AssignTasks(idle)
		for workerID, t := range assignments {
			if err := s.Pool.Assign(workerID, t); err != nil {
				s.logSupervisor("assign_failed", map[string]any{"worker_id": workerID, "task_id": t.ID, "error": err.Error()})
			}
		}

		now := time.Now()
		for _, ev := range s.Queue.EnforceTimeouts(now) {
			s.logSupervisor("task_timeout", map[string]any{"task_id": ev.Task.ID, "kind": ev.Kind})
		}
		s.Queue.PromoteDue(now)
	}

	if s.Pool != nil && s.Queue != nil {
		s.Pool.HealthCheck(ctx, func(taskID string) bool {
			// EnforceTimeouts has already removed a task that crossed its
			// hard deadline from the running set.
			_, running := s.Queue.Running(taskID)
			return !running
		})
	}

	s.heartbeatIfDue()
	return nil
}

// Shutdown stops workers and releases the singleton lock. State and queue
// snapshots are already current on disk — every mutation persists
// synchronously — so shutdown has nothing left to flush (spec §4.10
// "shutdown").
func (s *Supervisor) Shutdown() {
	if s.Pool != nil {
		s.Pool.Shutdown()
	}
	if s.Lock != nil {
		_ = s.Lock.Release()
	}
}

func (s *Supervisor) pollChat(ctx context.Context) error {
	snap := s.State.Load()
	var updates []chat.Update
	err := s.pollReconnect.Run(ctx, func(ctx context.Context) error {
		u, err := s.Chat.PollUpdates(ctx, snap.TGOffset, s.PollTimeoutSec)
		if err != nil {
			return err
		}
		updates = u
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		if s.seenUpdates.SeenOrAdd(u.UpdateID) {
			continue
		}
		if u.UpdateID > snap.TGOffset {
			snap.TGOffset = u.UpdateID
		}
		s.handleUpdate(ctx, u)
	}
	if len(updates) > 0 {
		return s.State.Save(snap)
	}
	return nil
}

func (s *Supervisor) handleUpdate(ctx context.Context, u chat.Update) {
	if u.Message == nil {
		return
	}
	msg := u.Message
	snap := s.State.Load()

	if snap.OwnerID == "" {
		snap.OwnerID = strconv.FormatInt(msg.From.ID, 10)
		snap.OwnerChatID = strconv.FormatInt(msg.Chat.ID, 10)
		_ = s.State.Save(snap)
	} else if strconv.FormatInt(msg.From.ID, 10) != snap.OwnerID {
		// Single-owner runtime: every other sender is rejected outright
		// (spec §3 invariant: exactly one owner identity).
		if s.Chat != nil {
			_, _ = s.Chat.SendMessage(ctx, msg.Chat.ID, "Not authorized", chat.ParseModeNone)
		}
		return
	}

	text := strings.TrimSpace(msg.Text)

	if s.Dispatch != nil && s.Dispatch.HasPendingApproval() {
		if approve, ok := parseYesNo(text); ok {
			if _, err := s.Dispatch.ResolveApproval(ctx, approve); err != nil {
				s.logSupervisor("resolve_approval_failed", map[string]any{"error": err.Error()})
			}
			return
		}
	}

	if strings.HasPrefix(text, "/") {
		s.handleCommand(ctx, msg.Chat.ID, text)
		return
	}

	s.enqueueChatTask(msg.Chat.ID, text)
}

func (s *Supervisor) enqueueChatTask(chatID int64, text string) {
	if s.Queue == nil || text == "" {
		return
	}
	t := &task.Task{
		ID:        task.NewID(),
		Type:      task.TypeChat,
		ChatID:    strconv.FormatInt(chatID, 10),
		Text:      text,
		CreatedAt: time.Now(),
	}
	if _, err := s.Queue.Enqueue(t); err != nil {
		s.logSupervisor("enqueue_chat_task_failed", map[string]any{"error": err.Error()})
	}
}

// handleCommand dispatches one of the owner-facing commands spec §6 names:
// /status, /queue, /cancel <id>, /evolve start|stop, /help, /start.
func (s *Supervisor) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	var reply string
	switch cmd {
	case "/start", "/help":
		reply = "Commands: /status, /queue, /cancel <id>, /evolve start|stop, /help"
	case "/status":
		reply = s.statusReply()
	case "/queue":
		reply = s.queueReply()
	case "/cancel":
		if len(args) == 0 {
			reply = "Usage: /cancel <task_id>"
			break
		}
		ok := s.Queue.Cancel(args[0])
		status := "Not found"
		if ok {
			status = "OK"
		}
		reply = fmt.Sprintf("%s: %s", status, args[0])
	case "/evolve":
		reply = s.handleEvolveCommand(args)
	default:
		reply = fmt.Sprintf("Unknown command %s. Try /help.", cmd)
	}

	if reply != "" && s.Chat != nil {
		_, _ = s.Chat.SendMessage(ctx, chatID, reply, chat.ParseModeNone)
	}
}

func (s *Supervisor) handleEvolveCommand(args []string) string {
	if len(args) == 0 {
		return "Usage: /evolve start|stop"
	}
	snap := s.State.Load()
	switch strings.ToLower(args[0]) {
	case "start":
		snap.EvolutionModeEnabled = true
	case "stop":
		snap.EvolutionModeEnabled = false
	default:
		return "Usage: /evolve start|stop"
	}
	if err := s.State.Save(snap); err != nil {
		return "Failed to update evolution mode: " + err.Error()
	}
	return fmt.Sprintf("Evolution mode: %v", snap.EvolutionModeEnabled)
}

func (s *Supervisor) statusReply() string {
	snap := s.State.Load()
	pending, running := 0, 0
	if s.Queue != nil {
		pending, running = s.Queue.Counts()
	}
	workers := 0
	if s.Pool != nil {
		workers = len(s.Pool.Snapshot())
	}
	gitPending := 0
	if s.Git != nil {
		gitPending = s.Git.PendingOps()
	}
	return fmt.Sprintf("pending: %d | running: %d | workers: %d | git_pending: %d | spent: $%.2f / $%.2f | evolution: %v",
		pending, running, workers, gitPending, snap.SpentUSD, snap.BudgetTotalUSD, snap.EvolutionModeEnabled)
}

func (s *Supervisor) queueReply() string {
	if s.Queue == nil {
		return "Queue unavailable."
	}
	pending, running := s.Queue.Counts()
	return fmt.Sprintf("%d pending, %d running.", pending, running)
}

func (s *Supervisor) heartbeatIfDue() {
	if time.Since(s.lastHeartbeat) < time.Duration(s.heartbeatSec())*time.Second {
		return
	}
	s.lastHeartbeat = time.Now()
	pending, running := 0, 0
	if s.Queue != nil {
		pending, running = s.Queue.Counts()
	}
	workers := 0
	if s.Pool != nil {
		workers = len(s.Pool.Snapshot())
	}
	var offset int64
	if s.State != nil {
		offset = s.State.Load().TGOffset
	}
	s.logSupervisor("heartbeat", map[string]any{"pending": pending, "running": running, "workers": workers, "tg_offset": offset})
}

func (s *Supervisor) maxWorkers() int {
	if s.MaxWorkers <= 0 {
		return 3
	}
	return s.MaxWorkers
}

func (s *Supervisor) loopSleep() int {
	if s.LoopSleepSec <= 0 {
		return 2
	}
	return s.LoopSleepSec
}

func (s *Supervisor) heartbeatSec() int {
	if s.HeartbeatSec <= 0 {
		return 60
	}
	return s.HeartbeatSec
}

func (s *Supervisor) logSupervisor(kind string, fields map[string]any) {
	if s.Log == nil {
		slog.Debug(kind, "fields", fields)
		return
	}
	_ = s.Log.Append(eventlog.StreamSupervisor, kind, fields)
}

// parseYesNo recognizes a plain-text approval reply (spec's approval flow
// takes "yes"/"no" rather than a slash command).
func parseYesNo(text string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "approve":
		return true, true
	case "no", "n", "deny", "reject":
		return false, true
	default:
		return false, false
	}
}
