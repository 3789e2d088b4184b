package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/tool"
)

// MaxReadBytes bounds how much of a file read_file returns in one call.
const MaxReadBytes = 200_000

// MaxShellOutputBytes bounds shell_exec's captured stdout/stderr.
const MaxShellOutputBytes = 64_000

// DefaultShellTimeout bounds how long shell_exec may run before it's
// killed, absent a caller-supplied timeout.
const DefaultShellTimeout = 30 * time.Second

// Build registers the standard tool set against workspaceDir: a read-only
// read_file (parallel-safe), and two code-mutating tools, write_file and
// shell_exec, that the Task Loop always runs serially (spec §4.5 parallel
// read-only fan-out; §4.2 tool registry).
func Build(workspaceDir string) (*tool.Registry, error) {
	reg := tool.NewRegistry()
	res := resolver{root: workspaceDir}

	if err := reg.Register(tool.Descriptor{
		Name:         "read_file",
		JSONSchema:   readFileSchema,
		Handler:      readFileHandler(res),
		ParallelSafe: true,
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(tool.Descriptor{
		Name:           "write_file",
		JSONSchema:     writeFileSchema,
		Handler:        writeFileHandler(res),
		IsCodeMutating: true,
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(tool.Descriptor{
		Name:           "shell_exec",
		JSONSchema:     shellExecSchema,
		Handler:        shellExecHandler(workspaceDir),
		IsCodeMutating: true,
		TimeoutSec:     int(DefaultShellTimeout / time.Second),
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

var readFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Path relative to the workspace."},
		"offset": {"type": "integer", "minimum": 0},
		"max_bytes": {"type": "integer", "minimum": 0}
	},
	"required": ["path"]
}`)

func readFileHandler(res resolver) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var input struct {
			Path     string `json:"path"`
			Offset   int64  `json:"offset"`
			MaxBytes int    `json:"max_bytes"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return "", fmt.Errorf("decode args: %w", err)
		}
		resolved, err := res.resolve(input.Path)
		if err != nil {
			return "", err
		}
		f, err := os.Open(resolved)
		if err != nil {
			return "", fmt.Errorf("open file: %w", err)
		}
		defer f.Close()

		if input.Offset > 0 {
			if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
				return "", fmt.Errorf("seek file: %w", err)
			}
		}
		limit := MaxReadBytes
		if input.MaxBytes > 0 && input.MaxBytes < limit {
			limit = input.MaxBytes
		}
		buf, err := io.ReadAll(io.LimitReader(f, int64(limit)))
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return string(buf), nil
	}
}

var writeFileSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Path relative to the workspace."},
		"content": {"type": "string"},
		"append": {"type": "boolean"}
	},
	"required": ["path", "content"]
}`)

func writeFileHandler(res resolver) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var input struct {
			Path    string `json:"path"`
			Content string `json:"content"`
			Append  bool   `json:"append"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return "", fmt.Errorf("decode args: %w", err)
		}
		resolved, err := res.resolve(input.Path)
		if err != nil {
			return "", err
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if input.Append {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(resolved, flags, 0o644)
		if err != nil {
			return "", fmt.Errorf("open file for write: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(input.Content); err != nil {
			return "", fmt.Errorf("write file: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path), nil
	}
}

var shellExecSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string"}
	},
	"required": ["command"]
}`)

func shellExecHandler(workspaceDir string) tool.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var input struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return "", fmt.Errorf("decode args: %w", err)
		}
		if strings.TrimSpace(input.Command) == "" {
			return "", fmt.Errorf("command is required")
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
		cmd.Dir = workspaceDir
		out, runErr := cmd.CombinedOutput()
		if len(out) > MaxShellOutputBytes {
			out = out[:MaxShellOutputBytes]
		}
		if runErr != nil {
			return string(out), fmt.Errorf("command failed: %w", runErr)
		}
		return string(out), nil
	}
}
