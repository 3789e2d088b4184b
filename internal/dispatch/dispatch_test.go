package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/chat"
	"github.com/ouroboros-agent/ouroboros/internal/queue"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/task"
	"github.com/ouroboros-agent/ouroboros/internal/worker"
)

type fakeTransport struct {
	sent []struct {
		chatID int64
		text   string
	}
	sendErr error
}

func (f *fakeTransport) PollUpdates(ctx context.Context, offset int64, timeoutSec int) ([]chat.Update, error) {
	return nil, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string, mode chat.ParseMode) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, struct {
		chatID int64
		text   string
	}{chatID, text})
	return "1", nil
}

func (f *fakeTransport) SendChatAction(ctx context.Context, chatID int64, action chat.ChatAction) error {
	return nil
}

func (f *fakeTransport) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	return nil, "", nil
}

func newTestDispatcher(t *testing.T, transport chat.Transport) (*Dispatcher, *queue.Queue, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.New(dir, nil)
	require.NoError(t, err)
	st, err := state.New(dir, nil)
	require.NoError(t, err)
	require.NoError(t, st.Save(state.Snapshot{Version: 1, OwnerChatID: "555", BudgetTotalUSD: 10}))

	return &Dispatcher{
		Queue:   q,
		State:   st,
		Pricing: state.DefaultPricingTable(),
		Chat:    transport,
	}, q, st
}

func TestHandleSendMessage_ForwardsToTransportWithGivenChatID(t *testing.T) {
	tr := &fakeTransport{}
	d, _, _ := newTestDispatcher(t, tr)

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventSendMessage, Fields: map[string]any{"chat_id": float64(42), "text": "hi"}}
	close(events)

	n := d.Drain(context.Background(), events)
	assert.Equal(t, 1, n)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, int64(42), tr.sent[0].chatID)
	assert.Equal(t, "hi", tr.sent[0].text)
}

func TestHandleSendMessage_FallsBackToOwnerChatID(t *testing.T) {
	tr := &fakeTransport{}
	d, _, _ := newTestDispatcher(t, tr)

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventSendMessage, Fields: map[string]any{"text": "hi"}}
	close(events)

	d.Drain(context.Background(), events)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, int64(555), tr.sent[0].chatID)
}

func TestHandleLLMUsage_UpdatesSpentUSD(t *testing.T) {
	d, _, st := newTestDispatcher(t, &fakeTransport{})

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventLLMUsage, Fields: map[string]any{
		"model":             "anthropic/claude-sonnet-4",
		"prompt_tokens":     float64(1_000_000),
		"completion_tokens": float64(0),
	}}
	close(events)

	d.Drain(context.Background(), events)
	assert.InDelta(t, 3.0, st.Load().SpentUSD, 0.0001)
}

func TestHandleTaskDone_MarksTaskTerminalAndReleasesRunning(t *testing.T) {
	d, q, _ := newTestDispatcher(t, &fakeTransport{})
	_, err := q.Enqueue(&task.Task{ID: "t1", Type: task.TypeChat})
	require.NoError(t, err)
	q.AssignTasks([]string{"worker-0"})

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventTaskDone, TaskID: "t1", Fields: map[string]any{"status": "done", "result_summary": "ok"}}
	close(events)

	d.Drain(context.Background(), events)
	_, running := q.Running("t1")
	assert.False(t, running)
}

func TestHandleScheduleTask_OneShotEnqueuesPendingTask(t *testing.T) {
	d, q, _ := newTestDispatcher(t, &fakeTransport{})

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventScheduleTask, Fields: map[string]any{"text": "one-off task"}}
	close(events)

	d.Drain(context.Background(), events)
	pending, _ := q.Counts()
	assert.Equal(t, 1, pending)
}

func TestHandleScheduleTask_CronExpressionRegistersRecurringTemplate(t *testing.T) {
	d, q, _ := newTestDispatcher(t, &fakeTransport{})

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventScheduleTask, Fields: map[string]any{"text": "nightly digest", "cron": "0 3 * * *"}}
	close(events)

	d.Drain(context.Background(), events)
	pending, _ := q.Counts()
	assert.Equal(t, 0, pending, "a recurring template is not itself runnable until PromoteDue fires")
}

func TestHandleCancelTask_RemovesPendingTask(t *testing.T) {
	d, q, _ := newTestDispatcher(t, &fakeTransport{})
	_, err := q.Enqueue(&task.Task{ID: "cancel-me", Type: task.TypeChat})
	require.NoError(t, err)

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventCancelTask, Fields: map[string]any{"task_id": "cancel-me"}}
	close(events)

	d.Drain(context.Background(), events)
	pending, _ := q.Counts()
	assert.Equal(t, 0, pending)
}

func TestApprovalFlow_StablePromotionRequestThenApprove(t *testing.T) {
	tr := &fakeTransport{}
	d, _, _ := newTestDispatcher(t, tr)

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventStablePromotionReq, Fields: map[string]any{}}
	close(events)
	d.Drain(context.Background(), events)

	require.True(t, d.HasPendingApproval())
	require.Len(t, tr.sent, 1)

	pending, err := d.ResolveApproval(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, ApprovalStablePromotion, pending.Kind)
	assert.False(t, d.HasPendingApproval())
}

func TestApprovalFlow_ReindexRequestThenDenyDoesNotEnqueue(t *testing.T) {
	d, q, _ := newTestDispatcher(t, &fakeTransport{})

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventReindexRequest, Fields: map[string]any{"reason": "stale embeddings"}}
	close(events)
	d.Drain(context.Background(), events)

	_, err := d.ResolveApproval(context.Background(), false)
	require.NoError(t, err)
	pending, _ := q.Counts()
	assert.Equal(t, 0, pending)
}

func TestApprovalFlow_ReindexRequestThenApproveEnqueues(t *testing.T) {
	d, q, _ := newTestDispatcher(t, &fakeTransport{})

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventReindexRequest, Fields: map[string]any{"reason": "stale embeddings"}}
	close(events)
	d.Drain(context.Background(), events)

	_, err := d.ResolveApproval(context.Background(), true)
	require.NoError(t, err)
	pending, _ := q.Counts()
	assert.Equal(t, 1, pending)
}

func TestDrain_StopsAtMaxEventsPerTick(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeTransport{})

	events := make(chan worker.Event, MaxEventsPerTick+10)
	for i := 0; i < MaxEventsPerTick+10; i++ {
		events <- worker.Event{Type: worker.EventOwnerMessageInjected}
	}

	n := d.Drain(context.Background(), events)
	assert.Equal(t, MaxEventsPerTick, n)
}

func TestHandleRestartRequest_InvokesRestartFunc(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeTransport{})
	var gotKind, gotReason string
	d.Restart = func(ctx context.Context, kind, taskID, reason string) error {
		gotKind = kind
		gotReason = reason
		return nil
	}

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventRestartRequest, Fields: map[string]any{"kind": "owner_requested", "reason": "manual"}}
	close(events)

	d.Drain(context.Background(), events)
	assert.Equal(t, "owner_requested", gotKind)
	assert.Equal(t, "manual", gotReason)
}

func TestHandleSendMessage_TransportErrorDoesNotPanic(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("boom")}
	d, _, _ := newTestDispatcher(t, tr)

	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventSendMessage, Fields: map[string]any{"chat_id": float64(1), "text": "hi"}}
	close(events)

	assert.NotPanics(t, func() { d.Drain(context.Background(), events) })
}
