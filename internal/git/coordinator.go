// Package git implements the Git Coordinator: every mutation to the
// runtime's own repository funnels through here so exactly one git
// invocation is ever in flight (spec §4.9, §5 "git mutex").
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/eventlog"
	"github.com/ouroboros-agent/ouroboros/internal/process"
)

// gitLane is the single CommandQueue lane every git operation enqueues
// onto, adapting the teacher's multi-lane serializer to a one-lane mutex
// (spec §5: "the git mutex is the only lock a tool handler may take").
const gitLane process.CommandLane = "git"

// Locus is the Git branch locus state machine (spec §4.10).
type Locus string

const (
	LocusIdle          Locus = "idle"
	LocusMutating      Locus = "mutating"
	LocusNeedsRecovery Locus = "needs_recovery"
)

// RescuePolicy controls BootstrapReset's handling of unpushed dev work.
type RescuePolicy string

const (
	RescueIgnore   RescuePolicy = "ignore"
	RescueAndReset RescuePolicy = "rescue_and_reset"
)

// StepError is the structured error envelope spec §4.9 requires: any
// failed step short-circuits the operation and reports which step failed.
type StepError struct {
	Step   string
	Output string
	Cause  error
}

func (e *StepError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git coordinator: step %q failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("git coordinator: step %q failed: %v: %s", e.Step, e.Cause, out)
}

func (e *StepError) Unwrap() error { return e.Cause }

// Config configures the Coordinator's target repository and branches.
type Config struct {
	RepoDir      string
	BranchDev    string
	BranchStable string
	Remote       string // defaults to "origin"
}

func (c *Config) setDefaults() {
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.BranchDev == "" {
		c.BranchDev = "dev"
	}
	if c.BranchStable == "" {
		c.BranchStable = "stable"
	}
}

// Coordinator serializes all git operations behind a single CommandQueue
// lane and tracks the branch-locus state machine.
type Coordinator struct {
	cfg   Config
	queue *process.CommandQueue
	log   *eventlog.Logger

	mu    sync.Mutex
	locus Locus
}

// New creates a Coordinator. cfg.RepoDir must already be a git checkout.
func New(cfg Config, log *eventlog.Logger) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		cfg:   cfg,
		queue: process.NewCommandQueue(),
		log:   log,
		locus: LocusIdle,
	}
}

// Locus returns the current branch-locus state.
func (c *Coordinator) Locus() Locus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locus
}

func (c *Coordinator) setLocus(l Locus) {
	c.mu.Lock()
	c.locus = l
	c.mu.Unlock()
}

// run executes one git subcommand in the repo directory, wrapping any
// failure in a StepError tagged with step.
func (c *Coordinator) run(ctx context.Context, step string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.cfg.RepoDir
	out, err := cmd.CombinedOutput()
	if c.log != nil {
		_ = c.log.Append(eventlog.StreamSupervisor, "git_step", map[string]any{
			"step": step,
			"args": args,
			"ok":   err == nil,
		})
	}
	if err != nil {
		return string(out), &StepError{Step: step, Output: string(out), Cause: err}
	}
	return string(out), nil
}

// serialize runs fn under the git lane, the only place a caller may block
// on git network I/O (spec §5 suspension point (d)). A task that waits
// more than DefaultWarnAfterMs for the lane is logged, since that wait is
// itself a signal something is holding git busy for too long.
func serialize[T any](c *Coordinator, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	return process.EnqueueInLane(c.queue, gitLane, fn, &process.EnqueueOptions{
		Context: ctx,
		OnWait: func(waitMs, queuedAhead int) {
			if c.log != nil {
				_ = c.log.Append(eventlog.StreamSupervisor, "git_queue_wait", map[string]any{
					"wait_ms":      waitMs,
					"queued_ahead": queuedAhead,
				})
			}
		},
	})
}

// PendingOps returns how many git operations are queued behind the one
// currently running, for status reporting.
func (c *Coordinator) PendingOps() int {
	return c.queue.QueueDepth(gitLane)
}

// EnsureRemote points c.cfg.Remote at remoteURL, adding it if it doesn't
// exist yet. A deployment supplies remoteURL pre-authenticated (e.g. an
// HTTPS URL carrying a GitHub token) so pushes work without a separate
// credential helper.
func (c *Coordinator) EnsureRemote(ctx context.Context, remoteURL string) error {
	if remoteURL == "" {
		return nil
	}
	_, err := serialize(c, ctx, func(ctx context.Context) (struct{}, error) {
		if _, err := c.run(ctx, "remote_set_url", "remote", "set-url", c.cfg.Remote, remoteURL); err != nil {
			if _, addErr := c.run(ctx, "remote_add", "remote", "add", c.cfg.Remote, remoteURL); addErr != nil {
				return struct{}{}, addErr
			}
		}
		return struct{}{}, nil
	})
	return err
}

// WriteAndCommit implements the write-and-commit operation (spec §4.9):
// checkout dev, write relPath, add, commit, push.
func (c *Coordinator) WriteAndCommit(ctx context.Context, relPath string, content []byte, message string) error {
	_, err := serialize(c, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.mutate(ctx, func(ctx context.Context) error {
			if _, err := c.run(ctx, "checkout_dev", "checkout", c.cfg.BranchDev); err != nil {
				return err
			}
			full := filepath.Join(c.cfg.RepoDir, relPath)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return &StepError{Step: "write_file", Cause: err}
			}
			if err := os.WriteFile(full, content, 0o644); err != nil {
				return &StepError{Step: "write_file", Cause: err}
			}
			if _, err := c.run(ctx, "add", "add", relPath); err != nil {
				return err
			}
			if _, err := c.run(ctx, "commit", "commit", "-m", message); err != nil {
				return err
			}
			if _, err := c.run(ctx, "push", "push", c.cfg.Remote, c.cfg.BranchDev); err != nil {
				return err
			}
			return nil
		})
	})
	return err
}

// CommitExistingChanges implements commit-existing-changes (spec §4.9):
// checkout dev, stage paths (or everything), verify the stage is
// non-empty, commit, push.
func (c *Coordinator) CommitExistingChanges(ctx context.Context, paths []string, message string) error {
	_, err := serialize(c, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.mutate(ctx, func(ctx context.Context) error {
			if _, err := c.run(ctx, "checkout_dev", "checkout", c.cfg.BranchDev); err != nil {
				return err
			}
			addArgs := []string{"add"}
			if len(paths) == 0 {
				addArgs = append(addArgs, "-A")
			} else {
				addArgs = append(addArgs, paths...)
			}
			if _, err := c.run(ctx, "add", addArgs...); err != nil {
				return err
			}
			status, err := c.run(ctx, "status_check", "status", "--porcelain")
			if err != nil {
				return err
			}
			if strings.TrimSpace(status) == "" {
				return &StepError{Step: "status_check", Cause: fmt.Errorf("no staged changes")}
			}
			if _, err := c.run(ctx, "commit", "commit", "-m", message); err != nil {
				return err
			}
			if _, err := c.run(ctx, "push", "push", c.cfg.Remote, c.cfg.BranchDev); err != nil {
				return err
			}
			return nil
		})
	})
	return err
}

// PromoteToStable fast-forwards stable to dev's current HEAD (spec §4.9).
// Callers must already have obtained owner approval (spec §4.8
// stable_promotion_request handling) before calling this.
func (c *Coordinator) PromoteToStable(ctx context.Context) error {
	_, err := serialize(c, ctx, func(ctx context.Context) (struct{}, error) {
		prior := c.Locus()
		err := c.mutate(ctx, func(ctx context.Context) error {
			if _, err := c.run(ctx, "fetch", "fetch", c.cfg.Remote); err != nil {
				return err
			}
			ref := fmt.Sprintf("%s:refs/heads/%s", c.cfg.BranchDev, c.cfg.BranchStable)
			if _, err := c.run(ctx, "push_promote", "push", c.cfg.Remote, ref); err != nil {
				return err
			}
			return nil
		})
		if err == nil && prior == LocusNeedsRecovery {
			// A promotion pushes only stable, so it does not clear an
			// earlier needs_recovery.
			c.setLocus(LocusNeedsRecovery)
		}
		return struct{}{}, err
	})
	return err
}

// BootstrapReset runs at startup unless disabled by config: optionally
// rescues unpushed dev work, then hard-resets dev to the remote (spec
// §4.9). A successful reset clears LocusNeedsRecovery unconditionally.
func (c *Coordinator) BootstrapReset(ctx context.Context, policy RescuePolicy) error {
	_, err := serialize(c, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.mutate(ctx, func(ctx context.Context) error {
			if policy == RescueAndReset {
				status, err := c.run(ctx, "status_check", "status", "--porcelain")
				if err != nil {
					return err
				}
				if strings.TrimSpace(status) != "" {
					rescueBranch := fmt.Sprintf("rescue/%d", time.Now().Unix())
					if _, err := c.run(ctx, "rescue_branch", "checkout", "-b", rescueBranch); err != nil {
						return err
					}
					if _, err := c.run(ctx, "rescue_add", "add", "-A"); err != nil {
						return err
					}
					if _, err := c.run(ctx, "rescue_commit", "commit", "-m", "rescue: unpushed work before bootstrap reset"); err != nil {
						return err
					}
					if _, err := c.run(ctx, "rescue_push", "push", c.cfg.Remote, rescueBranch); err != nil {
						return err
					}
				}
			}
			if _, err := c.run(ctx, "checkout_dev", "checkout", c.cfg.BranchDev); err != nil {
				return err
			}
			if _, err := c.run(ctx, "fetch", "fetch", c.cfg.Remote); err != nil {
				return err
			}
			if _, err := c.run(ctx, "hard_reset", "reset", "--hard", fmt.Sprintf("%s/%s", c.cfg.Remote, c.cfg.BranchDev)); err != nil {
				return err
			}
			return nil
		})
	})
	return err
}

// SafeRestart serializes finalize (persisting snapshots and replacing the
// process image) behind the git lane, so a restart never races an
// in-flight git operation (spec §4.9's safe-restart step sequence).
func (c *Coordinator) SafeRestart(ctx context.Context, finalize func(ctx context.Context) error) error {
	_, err := serialize(c, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, finalize(ctx)
	})
	return err
}

// mutate wraps fn with the branch-locus transition: idle -> mutating,
// then mutating -> idle on success or mutating -> needs_recovery on
// failure (spec §4.10's Git branch locus state machine). needs_recovery
// is cleared only by a successful BootstrapReset or a successful dev push
// (WriteAndCommit, CommitExistingChanges); PromoteToStable puts it back
// after its own successful run.
func (c *Coordinator) mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	c.setLocus(LocusMutating)
	if err := fn(ctx); err != nil {
		c.setLocus(LocusNeedsRecovery)
		return err
	}
	c.setLocus(LocusIdle)
	return nil
}
