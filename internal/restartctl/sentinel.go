// Package restartctl implements the safe-restart choreography the Git
// Coordinator's restart operation and the Supervisor's restart_request
// handling share (spec §4.9, §4.10): persist a sentinel describing why the
// process is about to replace itself, then exec the same binary so the
// new process can read the sentinel back on startup.
package restartctl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// SentinelFilename is the name of the restart sentinel file under
// runtimeDir/state.
const SentinelFilename = "restart-sentinel.json"

// Kind identifies why the supervisor is restarting.
type Kind string

const (
	KindOwnerRequested Kind = "owner_requested"
	KindEvolution      Kind = "evolution"
	KindCrashRecovery  Kind = "crash_recovery"
)

// Status is the outcome of the restart's finalize step.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Payload is the restart event recorded across the exec boundary.
type Payload struct {
	Kind         Kind    `json:"kind"`
	Status       Status  `json:"status"`
	Ts           int64   `json:"ts"`
	TaskID       string  `json:"task_id,omitempty"`
	Message      string  `json:"message,omitempty"`
	PendingCount int     `json:"pending_count"`
	RunningCount int     `json:"running_count"`
	SpentUSD     float64 `json:"spent_usd"`
}

// Sentinel is the versioned envelope written to disk.
type Sentinel struct {
	Version int     `json:"version"`
	Payload Payload `json:"payload"`
}

// ResolveSentinelPath returns the sentinel's path under runtimeDir/state.
func ResolveSentinelPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "state", SentinelFilename)
}

// WriteSentinel persists payload to runtimeDir/state, creating the
// directory if needed.
func WriteSentinel(runtimeDir string, payload Payload) error {
	path := ResolveSentinelPath(runtimeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("restartctl: create state directory: %w", err)
	}
	data, err := json.MarshalIndent(Sentinel{Version: 1, Payload: payload}, "", "  ")
	if err != nil {
		return fmt.Errorf("restartctl: marshal sentinel: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("restartctl: write sentinel: %w", err)
	}
	return nil
}

// ReadSentinel reads the sentinel without consuming it. Returns (nil, nil)
// if absent or malformed; a malformed file is removed so it cannot wedge
// every future startup.
func ReadSentinel(runtimeDir string) (*Sentinel, error) {
	path := ResolveSentinelPath(runtimeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("restartctl: read sentinel: %w", err)
	}
	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil || s.Version != 1 {
		_ = os.Remove(path)
		return nil, nil
	}
	return &s, nil
}

// ConsumeSentinel reads and deletes the sentinel, for the Supervisor's
// startup sequence to report the outcome of the restart that preceded it.
func ConsumeSentinel(runtimeDir string) (*Sentinel, error) {
	s, err := ReadSentinel(runtimeDir)
	if err != nil || s == nil {
		return s, err
	}
	_ = os.Remove(ResolveSentinelPath(runtimeDir))
	return s, nil
}

// Summarize renders a one-line heartbeat-log-style description of payload.
func Summarize(p Payload) string {
	return fmt.Sprintf("restart kind=%s status=%s pending=%d running=%d spent=$%.4f", p.Kind, p.Status, p.PendingCount, p.RunningCount, p.SpentUSD)
}

// Finalize runs persist (typically: flush state and queue snapshots),
// writes the outcome sentinel, and replaces the current process image via
// exec so the new process picks up exactly where this one left off (spec
// §4.9 safe-restart's last three steps). On success this call never
// returns; on failure to persist or exec it returns the error instead of
// restarting, leaving the old process running.
func Finalize(runtimeDir string, payload Payload, persist func() error) error {
	if persist != nil {
		if err := persist(); err != nil {
			payload.Status = StatusError
			payload.Message = err.Error()
			payload.Ts = time.Now().Unix()
			_ = WriteSentinel(runtimeDir, payload)
			return fmt.Errorf("restartctl: persist before restart: %w", err)
		}
	}
	payload.Status = StatusOK
	payload.Ts = time.Now().Unix()
	if err := WriteSentinel(runtimeDir, payload); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restartctl: resolve executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
