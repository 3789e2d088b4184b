package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ouroboros-agent/ouroboros/internal/config"
	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/llm"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/task"
	"github.com/ouroboros-agent/ouroboros/internal/taskloop"
	"github.com/ouroboros-agent/ouroboros/internal/tool"
	"github.com/ouroboros-agent/ouroboros/internal/toolset"
	"github.com/ouroboros-agent/ouroboros/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one task-loop worker process (internal; spawned by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), workerID)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "identifier this worker reports in its events")
	return cmd
}

func runWorker(ctx context.Context, workerID string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := eventlog.NewLogger(cfg.RuntimeDir)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	tools, err := toolset.Build(cfg.RepoDir)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	client, err := buildLLMClient(cfg)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	emit := func(ev worker.Event) {
		ev.WorkerID = workerID
		data, err := ev.Marshal()
		if err != nil {
			return
		}
		_, _ = out.Write(data)
		_ = out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req worker.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Type {
		case worker.RequestShutdown:
			return nil
		case worker.RequestTask:
			if req.Task != nil {
				runTask(ctx, client, tools, cfg, log, emit, req.Task)
			}
		}
	}
	return scanner.Err()
}

func runTask(ctx context.Context, client *llm.Client, tools *tool.Registry, cfg *config.Config, log *eventlog.Logger, emit func(worker.Event), t *task.Task) {
	loop := &taskloop.Loop{
		Client:   client,
		Tools:    tools,
		Log:      log,
		Profiles: cfg.Profiles,
		Budget: func(taskCostUSD float64) taskloop.BudgetStatus {
			return taskloop.BudgetStatus{TaskCostUSD: taskCostUSD, RemainingBudgetUSD: cfg.TotalBudgetUSD}
		},
	}

	profileTag := profileTagForTaskType(t.Type)
	result := loop.Run(ctx, t.ID, profileTag, systemPromptFor(t), nil, t.Text)

	chatID, _ := strconv.ParseInt(t.ChatID, 10, 64)
	if chatID != 0 && result.FinalText != "" {
		emit(worker.Event{
			Type:   worker.EventSendMessage,
			TaskID: t.ID,
			Fields: map[string]any{"chat_id": float64(chatID), "text": result.FinalText},
		})
	}

	emit(worker.Event{
		Type:   worker.EventLLMUsage,
		TaskID: t.ID,
		Fields: map[string]any{
			"model":             cfg.Profiles.SelectForTaskType(profileTag).ModelID,
			"prompt_tokens":     float64(result.Usage.PromptTokens),
			"completion_tokens": float64(result.Usage.CompletionTokens),
			"cached_tokens":     float64(result.Usage.CachedTokens),
			"cost_usd":          result.Usage.CostUSD,
		},
	})

	emit(worker.Event{
		Type:   worker.EventTaskDone,
		TaskID: t.ID,
		Fields: map[string]any{"status": string(task.StatusDone), "result_summary": truncateSummary(result.FinalText)},
	})
}

func profileTagForTaskType(tp task.Type) string {
	switch tp {
	case task.TypeEvolution:
		return "code_task"
	case task.TypeReview, task.TypeScheduled:
		return "analysis"
	default:
		return "default"
	}
}

func systemPromptFor(t *task.Task) string {
	return fmt.Sprintf("You are handling a %s task. Respond concisely and use tools as needed.", t.Type)
}

func truncateSummary(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// buildLLMClient wires a provider per configured credential, resolving a
// "provider/model" request model id the way spec §6's LLM provider wire
// names it.
func buildLLMClient(cfg *config.Config) (*llm.Client, error) {
	providerSet := make(map[string]llm.Provider)
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		p, err := config.ResolveProvider(name, pc)
		if err != nil {
			return nil, fmt.Errorf("resolve provider %s: %w", name, err)
		}
		providerSet[name] = p
	}
	resolve := func(modelID string) (string, string) {
		for i := 0; i < len(modelID); i++ {
			if modelID[i] == '/' {
				return modelID[:i], modelID[i+1:]
			}
		}
		return "anthropic", modelID
	}
	return llm.NewClient(providerSet, resolve, state.DefaultPricingTable()), nil
}
