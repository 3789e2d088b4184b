// Package eventlog implements the append-only JSONL event streams the
// supervisor never rewrites: events.jsonl, tools.jsonl, narration.jsonl,
// and supervisor.jsonl.
package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stream names for the four append-only logs under logs/.
const (
	StreamEvents     = "events"
	StreamTools      = "tools"
	StreamNarration  = "narration"
	StreamSupervisor = "supervisor"
)

// Record is a single JSONL line. Ts is always stamped by the logger, not the
// caller, so ordering matches append order even under concurrent writers.
type Record struct {
	Ts     time.Time      `json:"ts"`
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Logger appends records to the logs/ directory under a runtime root.
// One *os.File per stream is kept open for the logger's lifetime; writes to
// every stream are serialized by the logger's single mutex so concurrent
// workers emitting events never interleave partial lines.
type Logger struct {
	dir string

	mu      sync.Mutex
	streams map[string]*os.File
}

// NewLogger opens (creating if necessary) the logs/ directory under root.
func NewLogger(root string) (*Logger, error) {
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	return &Logger{dir: dir, streams: make(map[string]*os.File)}, nil
}

// Append writes one JSON line to the named stream, creating the file on
// first touch. Never rewrites prior content; rotation is out of scope.
func (l *Logger) Append(stream, kind string, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{Ts: time.Now().UTC(), Kind: kind, Fields: fields}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	line = append(line, '\n')

	f, ok := l.streams[stream]
	if !ok {
		path := filepath.Join(l.dir, stream+".jsonl")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open stream %s: %w", stream, err)
		}
		l.streams[stream] = f
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append to stream %s: %w", stream, err)
	}
	return nil
}

// Close closes every open stream file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for name, f := range l.streams {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close stream %s: %w", name, err)
		}
	}
	return firstErr
}

// TaskDoneEvent reports whether the events stream already contains a
// task_done record for taskID, by scanning the events log. Used by the
// queue's crash-recovery restore (spec §4.7, §8 invariant 7): pending tasks
// are reconstructed only for ids whose task_done event is absent.
func TaskDoneEvent(root, taskID string) (bool, error) {
	path := filepath.Join(root, "logs", StreamEvents+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read events log: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			continue
		}
		if rec.Kind != "task_done" {
			continue
		}
		if id, _ := rec.Fields["task_id"].(string); id == taskID {
			return true, nil
		}
	}
	return false, nil
}
