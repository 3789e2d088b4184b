// Package taskloop drives a single task to completion: the per-round
// LLM-with-tools cycle, parallel read-only tool fan-out, self-check
// injection, effort escalation, and the budget guard (spec §4.5).
package taskloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ouroboros-agent/ouroboros/internal/convo"
	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/llm"
	"github.com/ouroboros-agent/ouroboros/internal/retry"
	"github.com/ouroboros-agent/ouroboros/internal/tool"
)

const (
	// SelfCheckEveryRounds is how often (after the first round) the loop
	// injects a self-check system message (spec §4.5b).
	SelfCheckEveryRounds = 20
	// HighEffortAtRound is the round at which effort is escalated to at
	// least high (spec §4.5c).
	HighEffortAtRound = 5
	// XHighEffortAtRound is the round at which effort is escalated to
	// xhigh (spec §4.5c).
	XHighEffortAtRound = 10
	// MaxParallelTools bounds concurrent read-only tool execution
	// (spec §4.5h: "worker count = min(n, 8)").
	MaxParallelTools = 8
	// LLMMaxRetries is how many times the loop retries a transient LLM
	// Client failure after the first attempt (spec §4.5e).
	LLMMaxRetries = 3
	// LLMRetryCap is the exponential backoff ceiling for LLM retries.
	LLMRetryCap = 30 * time.Second
	// BudgetHardStopRatio is the task_cost/remaining_budget ratio beyond
	// which the loop forces a closing answer (spec §4.5l).
	BudgetHardStopRatio = 0.5
	// BudgetSoftNudgeRatio is the ratio above which a soft nudge is
	// appended every 10 rounds.
	BudgetSoftNudgeRatio = 0.3
	// BudgetNudgeEveryRounds is how often the soft nudge repeats.
	BudgetNudgeEveryRounds = 10
	// NarrationTailLines is how many recent narration lines seed the
	// initial buffer (spec §4.5 step 2).
	NarrationTailLines = 20
)

// ToolTrace records one tool invocation for the trace spec §4.5 step 4
// requires: {name, sanitized args, truncated result, is_error}.
type ToolTrace struct {
	Name    string
	Args    string
	Result  string
	IsError bool
}

// Trace is the full per-round record returned alongside the final text.
type Trace struct {
	AssistantNotes []string
	Tools          []ToolTrace
}

// Result is what Run returns.
type Result struct {
	FinalText string
	Usage     llm.Usage
	Trace     Trace
}

// BudgetStatus is queried once per round to drive the budget guard.
type BudgetStatus struct {
	TaskCostUSD        float64
	RemainingBudgetUSD float64
}

// Loop drives one task through the LLM-with-tools cycle.
type Loop struct {
	Client   *llm.Client
	Tools    *tool.Registry
	Log      *eventlog.Logger
	Profiles ProfileSet

	// Injections delivers owner messages that arrive while this task is
	// running (spec §4.5a). Nil is treated as "never any injections".
	Injections <-chan string

	// Budget reports the current budget status; called once per round
	// after usage for the round has been accumulated.
	Budget func(taskCostUSD float64) BudgetStatus
}

// Run drives taskID through the loop starting from systemPrompt + the
// given narration tail and user turn, returning once a final answer is
// produced, the budget guard forces closure, or the LLM call fails after
// retries.
func (l *Loop) Run(ctx context.Context, taskID string, profileTag string, systemPrompt string, narrationTail []string, userTurn string) Result {
	profile := l.Profiles.SelectForTaskType(profileTag)
	effort := profile.Effort

	buf := convo.New(systemPrompt)
	for _, line := range lastN(narrationTail, NarrationTailLines) {
		buf.AppendSystem("recent activity: " + line)
	}
	buf.AppendUser(userTurn)

	var accumulated llm.Usage
	var trace Trace
	round := 0

	for {
		round++

		l.drainInjections(buf)

		if round > 1 && round%SelfCheckEveryRounds == 0 {
			l.appendSelfCheck(buf, round, accumulated)
		}

		if round >= HighEffortAtRound {
			effort = effort.Max(llm.EffortHigh)
		}
		if round >= XHighEffortAtRound {
			effort = effort.Max(llm.EffortXHigh)
		}

		convo.Compact(buf)

		req := llm.Request{
			Model:     profile.ModelID,
			Effort:    effort,
			Messages:  buf.Messages(),
			Tools:     l.toolSchemas(),
			MaxTokens: profile.DefaultMaxTokens,
		}

		resp, err := l.callWithRetry(ctx, req)
		if err != nil {
			return Result{
				FinalText: fmt.Sprintf("task failed after retries: %v", err),
				Usage:     accumulated,
				Trace:     trace,
			}
		}

		accumulated.Add(resp.Usage)
		l.logEvent(eventlog.StreamEvents, "llm_round", map[string]any{
			"task_id": taskID,
			"round":   round,
			"model":   profile.ModelID,
			"effort":  string(effort),
		})

		if len(resp.ToolCalls) == 0 {
			trace.AssistantNotes = append(trace.AssistantNotes, resp.Content)
			return Result{FinalText: resp.Content, Usage: accumulated, Trace: trace}
		}
		trace.AssistantNotes = append(trace.AssistantNotes, resp.Content)
		buf.AppendAssistant(resp.Content, resp.ToolCalls)

		results, errCount, mutated := l.runToolCalls(ctx, resp.ToolCalls)
		for _, r := range results {
			buf.AppendToolResult(r.toolCallID, r.content)
			trace.Tools = append(trace.Tools, ToolTrace{
				Name:    r.name,
				Args:    r.args,
				Result:  r.content,
				IsError: r.isError,
			})
		}

		if mutated {
			profile = l.Profiles.SelectForTaskType(ProfileCodeTask)
		}
		if errCount >= 4 {
			effort = effort.Max(llm.EffortXHigh)
		} else if errCount >= 2 {
			effort = effort.Max(llm.EffortHigh)
		}

		status := BudgetStatus{}
		if l.Budget != nil {
			status = l.Budget(accumulated.CostUSD)
		}
		if status.RemainingBudgetUSD > 0 {
			t := status.TaskCostUSD / status.RemainingBudgetUSD
			if t > BudgetHardStopRatio {
				buf.AppendSystem("BUDGET LIMIT: remaining budget nearly exhausted. Produce a final closing answer now without using any more tools.")
				closing := l.finalNoToolsCall(ctx, buf, profile, effort)
				accumulated.Add(closing.Usage)
				return Result{FinalText: closing.Content, Usage: accumulated, Trace: trace}
			}
			if t > BudgetSoftNudgeRatio && round%BudgetNudgeEveryRounds == 0 {
				buf.AppendSystem("budget notice: task cost is approaching a meaningful share of the remaining budget; wrap up efficiently.")
			}
		}
	}
}

func (l *Loop) drainInjections(buf *convo.Buffer) {
	if l.Injections == nil {
		return
	}
	for {
		select {
		case msg, ok := <-l.Injections:
			if !ok {
				return
			}
			buf.AppendUser(msg)
		default:
			return
		}
	}
}

func (l *Loop) appendSelfCheck(buf *convo.Buffer, round int, usage llm.Usage) {
	cacheHitPct := 0.0
	if usage.PromptTokens > 0 {
		cacheHitPct = 100 * float64(usage.CachedTokens) / float64(usage.PromptTokens)
	}
	buf.AppendSystem(fmt.Sprintf(
		"self-check: round=%d spent_usd=%.4f prompt_tokens=%d cache_hit_pct=%.1f — reassess whether the current approach is converging.",
		round, usage.CostUSD, usage.PromptTokens, cacheHitPct,
	))
	l.logEvent(eventlog.StreamEvents, "self_check", map[string]any{"round": round})
}

func (l *Loop) callWithRetry(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	result := retry.Do(ctx, retry.Config{
		MaxAttempts:  LLMMaxRetries + 1,
		InitialDelay: time.Second,
		MaxDelay:     LLMRetryCap,
		Factor:       2.0,
		Jitter:       true,
	}, func() error {
		r, err := l.Client.Chat(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return resp, nil
}

func (l *Loop) finalNoToolsCall(ctx context.Context, buf *convo.Buffer, profile Profile, effort llm.Effort) *llm.Response {
	req := llm.Request{
		Model:     profile.ModelID,
		Effort:    effort,
		Messages:  buf.Messages(),
		MaxTokens: profile.DefaultMaxTokens,
	}
	resp, err := l.callWithRetry(ctx, req)
	if err != nil {
		return &llm.Response{Content: fmt.Sprintf("closing answer failed: %v", err)}
	}
	return resp
}

func (l *Loop) toolSchemas() []llm.ToolSchema {
	descs := l.Tools.Descriptors()
	schemas := make([]llm.ToolSchema, len(descs))
	for i, d := range descs {
		schemas[i] = llm.ToolSchema{
			Name:          d.Name,
			Parameters:    d.JSONSchema,
			CacheEligible: i == len(descs)-1,
		}
	}
	return schemas
}

type toolOutcome struct {
	toolCallID string
	name       string
	args       string
	content    string
	isError    bool
}

// runToolCalls executes calls either concurrently (if every one is
// parallel_safe) or sequentially, honoring each tool's own timeout
// deadline, and returns results in original call order regardless of
// completion order (spec §4.5h-i).
func (l *Loop) runToolCalls(ctx context.Context, calls []llm.ToolCall) ([]toolOutcome, int, bool) {
	allParallelSafe := len(calls) > 0
	for _, c := range calls {
		if !l.Tools.IsParallelSafe(c.Name) {
			allParallelSafe = false
			break
		}
	}

	results := make([]toolOutcome, len(calls))
	var errCount64, mutatedFlag int64
	run := func(i int, c llm.ToolCall) {
		res, err := l.Tools.Execute(ctx, c.Name, c.Arguments)
		results[i] = toolOutcome{
			toolCallID: c.ID,
			name:       c.Name,
			args:       sanitizeArgs(c.Arguments),
			content:    res.Content,
			isError:    res.IsError,
		}
		if err != nil {
			var toolErr *tool.Error
			if errors.As(err, &toolErr) && toolErr.Type == tool.ErrorTypeTimeout {
				l.logEvent(eventlog.StreamTools, "tool_timeout", map[string]any{"tool": c.Name})
			}
		}
		if l.Tools.IsCodeMutating(c.Name) && !res.IsError {
			atomic.StoreInt64(&mutatedFlag, 1)
		}
		if res.IsError {
			atomic.AddInt64(&errCount64, 1)
		}
	}

	if allParallelSafe {
		workers := len(calls)
		if workers > MaxParallelTools {
			workers = MaxParallelTools
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, c := range calls {
			i, c := i, c
			g.Go(func() error {
				run(i, c)
				return gctx.Err()
			})
		}
		_ = g.Wait()
	} else {
		for i, c := range calls {
			run(i, c)
		}
	}
	return results, int(atomic.LoadInt64(&errCount64)), atomic.LoadInt64(&mutatedFlag) == 1
}

func sanitizeArgs(raw json.RawMessage) string {
	const max = 500
	s := string(raw)
	if len(s) > max {
		return s[:max] + "...[truncated]"
	}
	return s
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func (l *Loop) logEvent(stream, kind string, fields map[string]any) {
	if l.Log == nil {
		return
	}
	_ = l.Log.Append(stream, kind, fields)
}
