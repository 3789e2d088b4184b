// Package worker implements the Worker Pool: spawning, health-monitoring,
// and task routing across N isolated worker processes (spec §4.6).
//
// Each worker is a child process of the same binary, re-invoked in worker
// mode (cmd/ouroboros's hidden "worker" subcommand). The pool talks to it
// over line-delimited JSON on stdin/stdout: one Request per task in, a
// stream of Events out — heartbeats, progress, and the final task_done.
package worker

import (
	"encoding/json"

	"github.com/ouroboros-agent/ouroboros/internal/task"
)

// RequestType distinguishes the two messages the pool ever sends a worker.
type RequestType string

const (
	RequestTask     RequestType = "task"
	RequestShutdown RequestType = "shutdown"
)

// Request is one line the pool writes to a worker's stdin.
type Request struct {
	Type RequestType `json:"type"`
	Task *task.Task  `json:"task,omitempty"`
}

// EventType enumerates the event kinds a worker may emit, matching the
// Event Dispatcher's handled set (spec §4.8) plus an internal heartbeat.
type EventType string

const (
	EventSendMessage          EventType = "send_message"
	EventLLMUsage             EventType = "llm_usage"
	EventTaskDone             EventType = "task_done"
	EventRestartRequest       EventType = "restart_request"
	EventStablePromotionReq   EventType = "stable_promotion_request"
	EventScheduleTask         EventType = "schedule_task"
	EventCancelTask           EventType = "cancel_task"
	EventReindexRequest       EventType = "reindex_request"
	EventOwnerMessageInjected EventType = "owner_message_injected"
	EventHeartbeat            EventType = "heartbeat"
)

// Event is one line a worker writes to its stdout.
type Event struct {
	Type     EventType      `json:"type"`
	TaskID   string         `json:"task_id,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Marshal encodes r/e as a single JSON line (including the trailing
// newline) for writing to a pipe.
func (r Request) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
