package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ouroboros-agent/ouroboros/internal/config"
	"github.com/ouroboros-agent/ouroboros/internal/dispatch"
	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/git"
	"github.com/ouroboros-agent/ouroboros/internal/lock"
	"github.com/ouroboros-agent/ouroboros/internal/queue"
	"github.com/ouroboros-agent/ouroboros/internal/restartctl"
	"github.com/ouroboros-agent/ouroboros/internal/state"
	"github.com/ouroboros-agent/ouroboros/internal/supervisor"
	"github.com/ouroboros-agent/ouroboros/internal/worker"

	channelstg "github.com/ouroboros-agent/ouroboros/internal/channels/telegram"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor main loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := eventlog.NewLogger(cfg.RuntimeDir)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	lockHandle, err := lock.Acquire(lock.Options{RuntimeDir: cfg.RuntimeDir, Timeout: 0})
	if err != nil {
		return fmt.Errorf("acquire singleton lock: %w", err)
	}

	st, err := state.New(cfg.RuntimeDir, log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	if snap := st.Load(); snap.Version == 0 {
		if err := st.Save(state.Snapshot{Version: 1, BudgetTotalUSD: cfg.TotalBudgetUSD}); err != nil {
			return fmt.Errorf("seed state snapshot: %w", err)
		}
	}

	q, err := queue.Restore(cfg.RuntimeDir, log)
	if err != nil {
		return fmt.Errorf("restore task queue: %w", err)
	}

	gitCoord := git.New(git.Config{
		RepoDir:      cfg.RepoDir,
		BranchDev:    cfg.BranchDev,
		BranchStable: cfg.BranchStable,
	}, log)

	if cfg.RemoteURL != "" {
		if err := gitCoord.EnsureRemote(ctx, cfg.RemoteURL); err != nil {
			slog.Warn("configuring git remote from GITHUB_USER/GITHUB_REPO/GITHUB_TOKEN failed, continuing with existing remote", "error", err)
		}
	}

	if !cfg.SkipBootstrapReset {
		policy := git.RescueAndReset
		if cfg.DisableAutoRescue {
			policy = git.RescueIgnore
		}
		if err := gitCoord.BootstrapReset(ctx, policy); err != nil {
			slog.Warn("bootstrap reset failed, continuing with working tree as-is", "error", err)
		}
	}

	transport, err := channelstg.New(channelstg.Config{Token: cfg.ChatBotToken})
	if err != nil {
		return fmt.Errorf("construct chat transport: %w", err)
	}

	pool := worker.NewPool(workerSpawner(cfg))

	d := &dispatch.Dispatcher{
		Queue:   q,
		State:   st,
		Pricing: state.DefaultPricingTable(),
		Chat:    transport,
		Git:     gitCoord,
		Log:     log,
	}
	d.Restart = func(ctx context.Context, kind, taskID, reason string) error {
		return gitCoord.SafeRestart(ctx, func(ctx context.Context) error {
			snap := st.Load()
			pending, running := q.Counts()
			return restartctl.Finalize(cfg.RuntimeDir, restartctl.Payload{
				Kind:         restartctl.Kind(kind),
				Status:       restartctl.StatusOK,
				TaskID:       taskID,
				Message:      reason,
				PendingCount: pending,
				RunningCount: running,
				SpentUSD:     snap.SpentUSD,
			}, func() error { return nil })
		})
	}

	sup := supervisor.New(cfg.RuntimeDir, st, q, pool, d, gitCoord, transport, lockHandle, log)
	sup.PollTimeoutSec = cfg.PollTimeoutSec
	sup.LoopSleepSec = cfg.LoopSleepSec
	sup.HeartbeatSec = cfg.HeartbeatSec
	sup.MaxWorkers = cfg.MaxWorkers

	return sup.Run(ctx)
}

// workerSpawner returns a worker.Spawner that re-execs this same binary in
// worker mode, one OS process per slot (spec §4.6).
func workerSpawner(cfg *config.Config) worker.Spawner {
	return func(ctx context.Context, workerID string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve executable path: %w", err)
		}
		cmd := exec.CommandContext(ctx, exe, "worker", "--worker-id", workerID)
		cmd.Env = os.Environ()
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, fmt.Errorf("start worker %s: %w", workerID, err)
		}
		return cmd, stdin, stdout, nil
	}
}
