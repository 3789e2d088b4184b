// Package dispatch implements the Event Dispatcher: it drains the worker
// pool's shared event channel, at most 200 events per main-loop tick, and
// applies each one to the State Store, Task Queue, Git Coordinator, or
// chat transport (spec §4.8).
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/channels"
	"github.com/ouroboros-agent/ouroboros/internal/chat"
	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/git"
	"github.com/ouroboros-agent/ouroboros/internal/queue"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/task"
	"github.com/ouroboros-agent/ouroboros/internal/worker"
)

// MaxEventsPerTick bounds how many events a single Drain call applies, so
// one overloaded worker can never starve the rest of the main loop (spec
// §4.8).
const MaxEventsPerTick = 200

// outboundChunkSize is Telegram's message length ceiling; a worker's
// reply longer than this must be split before it reaches chat.Transport.
const outboundChunkSize = 4096

// RestartFunc hands a restart_request off to whatever orchestrates the
// actual process replacement (supervisor owns persistence + exec, spec
// §4.9's safe-restart).
type RestartFunc func(ctx context.Context, kind string, taskID, reason string) error

// ApprovalKind distinguishes the two event kinds that require an explicit
// owner approval before acting (spec §4.8).
type ApprovalKind string

const (
	ApprovalStablePromotion ApprovalKind = "stable_promotion"
	ApprovalReindex         ApprovalKind = "reindex"
)

// PendingApproval is the single outstanding approval prompt awaiting the
// owner's next plain-text reply (there is exactly one owner per runtime,
// so one in-flight approval is sufficient).
type PendingApproval struct {
	Kind        ApprovalKind
	Fields      map[string]any
	RequestedAt time.Time
}

// Dispatcher owns every side effect triggered by a worker event.
type Dispatcher struct {
	Queue   *queue.Queue
	State   *state.Store
	Pricing state.PricingTable
	Chat    chat.Transport
	Git     *git.Coordinator
	Log     *eventlog.Logger
	Restart RestartFunc

	mu       sync.Mutex
	approval *PendingApproval
}

// Drain applies up to MaxEventsPerTick queued events, returning how many
// it processed. It never blocks: once the channel has no immediately
// ready event, it returns.
func (d *Dispatcher) Drain(ctx context.Context, events <-chan worker.Event) int {
	n := 0
	for n < MaxEventsPerTick {
		select {
		case ev := <-events:
			d.handle(ctx, ev)
			n++
		default:
			return n
		}
	}
	return n
}

func (d *Dispatcher) handle(ctx context.Context, ev worker.Event) {
	switch ev.Type {
	case worker.EventSendMessage:
		d.handleSendMessage(ctx, ev)
	case worker.EventLLMUsage:
		d.handleLLMUsage(ev)
	case worker.EventTaskDone:
		d.handleTaskDone(ev)
	case worker.EventRestartRequest:
		d.handleRestartRequest(ctx, ev)
	case worker.EventStablePromotionReq:
		d.handleApprovalRequest(ctx, ApprovalStablePromotion, ev)
	case worker.EventScheduleTask:
		d.handleScheduleTask(ev)
	case worker.EventCancelTask:
		d.handleCancelTask(ev)
	case worker.EventReindexRequest:
		d.handleApprovalRequest(ctx, ApprovalReindex, ev)
	case worker.EventOwnerMessageInjected:
		d.logDiagnostic("owner_message_injected", ev)
	default:
		d.logDiagnostic("unknown_event", ev)
	}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, ev worker.Event) {
	chatID, ok := fieldInt64(ev.Fields, "chat_id")
	if !ok {
		chatID = d.ownerChatID()
	}
	text := fieldString(ev.Fields, "text")
	mode := chat.ParseModeNone
	if fieldString(ev.Fields, "parse_mode") == "markdown" {
		mode = chat.ParseModeMarkdown
	}
	if d.Chat == nil || text == "" {
		return
	}
	chunker := channels.NewMessageChunker(outboundChunkSize)
	var chunks []string
	if mode == chat.ParseModeMarkdown {
		chunks = chunker.ChunkMarkdown(text)
	} else {
		chunks = chunker.Chunk(text)
	}
	for _, chunk := range chunks {
		if _, err := d.Chat.SendMessage(ctx, chatID, chunk, mode); err != nil {
			d.logError("send_message_failed", ev, err)
			return
		}
	}
}

func (d *Dispatcher) handleLLMUsage(ev worker.Event) {
	model := fieldString(ev.Fields, "model")
	usage := state.Usage{
		PromptTokens:     fieldInt64Val(ev.Fields, "prompt_tokens"),
		CompletionTokens: fieldInt64Val(ev.Fields, "completion_tokens"),
		CachedTokens:     fieldInt64Val(ev.Fields, "cached_tokens"),
		CacheWriteTokens: fieldInt64Val(ev.Fields, "cache_write_tokens"),
		TotalTokens:      fieldInt64Val(ev.Fields, "total_tokens"),
		CostUSD:          fieldFloat64(ev.Fields, "cost_usd"),
	}
	if _, err := d.State.UpdateBudget(usage, model, d.Pricing); err != nil {
		d.logError("llm_usage_update_failed", ev, err)
	}
}

func (d *Dispatcher) handleTaskDone(ev worker.Event) {
	status := task.Status(fieldString(ev.Fields, "status"))
	if status == "" {
		status = task.StatusDone
	}
	summary := fieldString(ev.Fields, "result_summary")
	d.Queue.Complete(ev.TaskID, status, summary)
	if d.Log != nil {
		_ = d.Log.Append(eventlog.StreamEvents, "task_done", map[string]any{
			"task_id": ev.TaskID,
			"status":  string(status),
		})
	}
}

func (d *Dispatcher) handleRestartRequest(ctx context.Context, ev worker.Event) {
	if d.Restart == nil {
		d.logDiagnostic("restart_request_ignored_no_handler", ev)
		return
	}
	kind := fieldString(ev.Fields, "kind")
	reason := fieldString(ev.Fields, "reason")
	if err := d.Restart(ctx, kind, ev.TaskID, reason); err != nil {
		d.logError("restart_request_failed", ev, err)
	}
}

func (d *Dispatcher) handleApprovalRequest(ctx context.Context, kind ApprovalKind, ev worker.Event) {
	d.mu.Lock()
	d.approval = &PendingApproval{Kind: kind, Fields: ev.Fields, RequestedAt: time.Now()}
	d.mu.Unlock()

	if d.Chat == nil {
		return
	}
	prompt := approvalPrompt(kind, ev.Fields)
	if _, err := d.Chat.SendMessage(ctx, d.ownerChatID(), prompt, chat.ParseModeNone); err != nil {
		d.logError("approval_prompt_failed", ev, err)
	}
}

func approvalPrompt(kind ApprovalKind, fields map[string]any) string {
	switch kind {
	case ApprovalStablePromotion:
		return "Promote dev to stable? Reply yes/no."
	case ApprovalReindex:
		return fmt.Sprintf("Rebuild the memory index (%s)? Reply yes/no.", fieldString(fields, "reason"))
	default:
		return "Approve pending action? Reply yes/no."
	}
}

func (d *Dispatcher) handleScheduleTask(ev worker.Event) {
	t := &task.Task{
		ID:           task.NewID(),
		Type:         task.Type(firstNonEmpty(fieldString(ev.Fields, "type"), string(task.TypeScheduled))),
		ChatID:       fieldString(ev.Fields, "chat_id"),
		Text:         fieldString(ev.Fields, "text"),
		Priority:     int(fieldInt64Val(ev.Fields, "priority")),
		CreatedAt:    time.Now(),
		CronSchedule: fieldString(ev.Fields, "cron"),
	}
	if t.CronSchedule != "" {
		if err := d.Queue.EnqueueRecurring(t, time.Now()); err != nil {
			d.logError("schedule_task_failed", ev, err)
		}
		return
	}
	if _, err := d.Queue.Enqueue(t); err != nil {
		d.logError("schedule_task_failed", ev, err)
	}
}

func (d *Dispatcher) handleCancelTask(ev worker.Event) {
	id := fieldString(ev.Fields, "task_id")
	if id == "" {
		id = ev.TaskID
	}
	d.Queue.Cancel(id)
}

// ResolveApproval is called by the Supervisor when the owner's next
// message is a plain affirmative/negative reply rather than a /command.
// It reports whether there was an approval to resolve.
func (d *Dispatcher) ResolveApproval(ctx context.Context, approve bool) (*PendingApproval, error) {
	d.mu.Lock()
	pending := d.approval
	d.approval = nil
	d.mu.Unlock()

	if pending == nil {
		return nil, nil
	}
	if !approve {
		return pending, nil
	}

	switch pending.Kind {
	case ApprovalStablePromotion:
		if d.Git != nil {
			if err := d.Git.PromoteToStable(ctx); err != nil {
				return pending, err
			}
		}
	case ApprovalReindex:
		t := &task.Task{
			ID:        task.NewID(),
			Type:      task.TypeEvolution,
			Text:      "reindex: " + fieldString(pending.Fields, "reason"),
			Priority:  0,
			CreatedAt: time.Now(),
		}
		if _, err := d.Queue.Enqueue(t); err != nil {
			return pending, err
		}
	}
	return pending, nil
}

// HasPendingApproval reports whether an approval prompt is outstanding.
func (d *Dispatcher) HasPendingApproval() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.approval != nil
}

func (d *Dispatcher) ownerChatID() int64 {
	if d.State == nil {
		return 0
	}
	snap := d.State.Load()
	id, _ := strconv.ParseInt(snap.OwnerChatID, 10, 64)
	return id
}

func (d *Dispatcher) logDiagnostic(kind string, ev worker.Event) {
	if d.Log == nil {
		return
	}
	_ = d.Log.Append(eventlog.StreamEvents, kind, map[string]any{
		"task_id":   ev.TaskID,
		"worker_id": ev.WorkerID,
	})
}

func (d *Dispatcher) logError(kind string, ev worker.Event, err error) {
	if d.Log == nil {
		return
	}
	_ = d.Log.Append(eventlog.StreamEvents, kind, map[string]any{
		"task_id":   ev.TaskID,
		"worker_id": ev.WorkerID,
		"error":     err.Error(),
	})
}

func fieldString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func fieldInt64Val(fields map[string]any, key string) int64 {
	v, _ := fieldInt64(fields, key)
	return v
}

func fieldInt64(fields map[string]any, key string) (int64, bool) {
	if fields == nil {
		return 0, false
	}
	switch v := fields[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func fieldFloat64(fields map[string]any, key string) float64 {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
