// Package tool implements the tool registry: descriptor registration, JSON
// schema argument validation, and execution with per-tool timeouts and
// output truncation (spec §3 Tool, §4.2).
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxResultChars is the ceiling every tool result string is truncated to
// before it reaches the conversation buffer (spec §4.2).
const MaxResultChars = 3000

// DefaultTimeout is used when a descriptor does not set TimeoutSec.
const DefaultTimeout = 30 * time.Second

// Handler executes a tool call and returns its result text. A non-nil error
// is treated as a handler failure, not a result the model should see
// verbatim; the registry formats it into the returned Result instead.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Descriptor registers one tool's shape and behavior.
type Descriptor struct {
	Name       string
	JSONSchema json.RawMessage
	Handler    Handler
	TimeoutSec int

	// IsCodeMutating marks a tool that writes to the repository working
	// tree — such calls run serially and switch the loop to its
	// code-mutating model profile (spec §4.5).
	IsCodeMutating bool

	// ParallelSafe marks a tool the loop may fan out alongside sibling
	// calls in the same round (spec §4.5 parallel read-only fan-out).
	// Disjoint from IsCodeMutating by construction: Register rejects a
	// descriptor that sets both.
	ParallelSafe bool
}

// Result is what Execute returns to the loop.
type Result struct {
	ToolName string
	Content  string
	IsError  bool
}

type registered struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry is the process-wide set of tools available to the task loop.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register compiles the descriptor's JSON schema and adds it to the
// registry, replacing any existing tool of the same name. It rejects a
// descriptor that marks itself both IsCodeMutating and ParallelSafe: a
// tool that mutates the repository can never be safe to run concurrently
// with its siblings (spec §4.5 invariant).
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tool: register: name is required")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tool: register %s: handler is required", desc.Name)
	}
	if desc.IsCodeMutating && desc.ParallelSafe {
		return fmt.Errorf("tool: register %s: is_code_mutating and parallel_safe are mutually exclusive", desc.Name)
	}

	var schema *jsonschema.Schema
	if len(desc.JSONSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		const resource = "inline://schema.json"
		if err := compiler.AddResource(resource, bytes.NewReader(desc.JSONSchema)); err != nil {
			return fmt.Errorf("tool: register %s: add schema: %w", desc.Name, err)
		}
		s, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("tool: register %s: compile schema: %w", desc.Name, err)
		}
		schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = &registered{desc: desc, schema: schema}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Descriptors returns every registered descriptor, for schema advertisement
// to the LLM client.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.desc)
	}
	return out
}

// IsParallelSafe reports whether name is registered and marked parallel-safe.
func (r *Registry) IsParallelSafe(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return ok && reg.desc.ParallelSafe
}

// IsCodeMutating reports whether name is registered and marked code-mutating.
func (r *Registry) IsCodeMutating(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return ok && reg.desc.IsCodeMutating
}

// TimeoutFor returns the configured timeout for name, or DefaultTimeout.
func (r *Registry) TimeoutFor(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok || reg.desc.TimeoutSec <= 0 {
		return DefaultTimeout
	}
	return time.Duration(reg.desc.TimeoutSec) * time.Second
}

// Execute validates args against the tool's schema, runs its handler under
// a per-tool deadline, recovers from handler panics, and truncates the
// result. Every failure (unknown tool, bad arguments, timeout, handler
// error or panic) is reported twice: as a Result with IsError set, whose
// Content is the text fed back to the model, and as a non-nil *Error that
// the caller can inspect via errors.As. A successful call returns a nil
// error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (res Result, err error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	var available []string
	if !ok {
		for n := range r.tools {
			available = append(available, n)
		}
	}
	r.mu.RUnlock()
	if !ok {
		sort.Strings(available)
		e := &Error{Tool: name, Type: ErrorTypeUnknownTool, Message: "no tool registered with this name"}
		return Result{ToolName: name, Content: e.ModelContent(available), IsError: true}, e
	}

	if reg.schema != nil {
		var decoded any
		if jsonErr := json.Unmarshal(args, &decoded); jsonErr != nil {
			e := &Error{Tool: name, Type: ErrorTypeBadArguments, Message: "arguments are not valid JSON", Cause: jsonErr}
			return Result{ToolName: name, Content: e.ModelContent(nil), IsError: true}, e
		}
		if valErr := reg.schema.Validate(decoded); valErr != nil {
			e := &Error{Tool: name, Type: ErrorTypeBadArguments, Message: "arguments failed schema validation", Cause: valErr}
			return Result{ToolName: name, Content: e.ModelContent(nil), IsError: true}, e
		}
	}

	timeout := r.TimeoutFor(name)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		content, handlerErr := reg.desc.Handler(callCtx, args)
		done <- outcome{content: content, err: handlerErr}
	}()

	select {
	case <-callCtx.Done():
		e := &Error{Tool: name, Type: ErrorTypeTimeout, Message: fmt.Sprintf("exceeded %s timeout", timeout)}
		return Result{ToolName: name, Content: e.ModelContent(nil), IsError: true}, e
	case o := <-done:
		if o.err != nil {
			errType := ErrorTypeHandlerFailed
			if strings.HasPrefix(o.err.Error(), "panic:") {
				errType = ErrorTypeHandlerPanic
			}
			e := &Error{Tool: name, Type: errType, Message: "handler returned an error", Cause: o.err}
			return Result{ToolName: name, Content: e.ModelContent(nil), IsError: true}, e
		}
		return Result{ToolName: name, Content: truncate(o.content, MaxResultChars), IsError: false}, nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s\n...[truncated, %d of %d chars shown]", s[:max], max, len(s))
}
