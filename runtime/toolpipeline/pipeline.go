// Package toolpipeline wraps every tool call in an ordered before/after/
// on-error interceptor chain providing caching, metrics, guardrails, and
// logging, and reports the invocation's lifecycle through the execution
// tracker and event dispatcher.
package toolpipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/execid"
	"github.com/flowcore/flowcore/runtime/telemetry"
)

// Handler invokes a tool's underlying logic. It must respect ctx
// cancellation: the pipeline derives a per-invocation deadline from the
// tool descriptor's timeout and relies on the handler to return promptly
// once ctx is done.
type Handler func(ctx context.Context, input any) (any, error)

// Descriptor describes one registered tool.
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
	Timeout     time.Duration

	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
}

// Context is created per tool invocation and threaded through every
// interceptor hook. Metadata is a scratch map interceptors mutate
// cooperatively (e.g. the metrics interceptor stores its start time).
type Context struct {
	ExecutionID string
	ParentID    string
	Tool        *Descriptor
	Input       any
	StartTime   time.Time
	Metadata    map[string]any

	Skip           bool
	CachedResult   any
	CacheOnSuccess bool
}

// Interceptor wraps tool invocations with before/after/on-error hooks.
// Order determines the ascending sequence Before hooks run in (After and
// OnError run in the reverse, descending sequence). StopOnError reports
// whether a Before error aborts the whole chain (true) or is logged and
// the chain continues (false).
type Interceptor interface {
	Name() string
	Order() int
	StopOnError() bool
	Before(ctx *Context) error
	After(ctx *Context, result any)
	OnError(ctx *Context, err error)
}

// Emitter is the subset of dispatch.Emitter the pipeline needs to stream
// TOOL/* envelopes. dispatch.Emitter satisfies it directly.
type Emitter interface {
	Emit(envelope events.Envelope) bool
}

// Pipeline runs the interceptor chain around tool invocations.
type Pipeline struct {
	tracker      *execid.Tracker
	emitter      Emitter
	log          telemetry.Logger
	metrics      telemetry.Metrics
	interceptors []Interceptor
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithMetrics attaches a metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// New constructs a Pipeline with the given interceptors, sorted ascending
// by Order.
func New(tracker *execid.Tracker, emitter Emitter, interceptors []Interceptor, opts ...Option) *Pipeline {
	sorted := make([]Interceptor, len(interceptors))
	copy(sorted, interceptors)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })

	p := &Pipeline{
		tracker:      tracker,
		emitter:      emitter,
		log:          telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		interceptors: sorted,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke runs tool under the interceptor chain, reporting its lifecycle
// to the tracker and emitting TOOL/start, TOOL/result, or TOOL/error.
func (p *Pipeline) Invoke(ctx context.Context, parentID string, tool *Descriptor, input any) (any, error) {
	id, err := p.tracker.StartChild(parentID, execid.KindTool, map[string]any{"tool": tool.Name})
	if err != nil {
		return nil, err
	}

	p.emitter.Emit(events.NewToolStart(tool.Name, input, id.String(), parentID))

	if issues := validateInput(tool, input); len(issues) > 0 {
		toolErr := NewToolError(CodeInvalidInput, "input failed schema validation")
		toolErr.Hint = buildRetryHintFromIssues(tool.Name, issues)
		if toolErr.Hint == nil {
			toolErr.Hint = retryHintFromCode(tool.Name, CodeInvalidInput)
		}
		_, _ = p.tracker.Fail(id.String(), toolErr.Error())
		p.emitter.Emit(events.NewToolError(tool.Name, toolErr.Error(), CodeInvalidInput))
		p.log.Warn(ctx, "toolpipeline: invalid input", "tool", tool.Name, "missing_fields", toolErr.Hint.MissingFields)
		return nil, toolErr
	}

	pctx := &Context{
		ExecutionID: id.String(),
		ParentID:    parentID,
		Tool:        tool,
		Input:       input,
		StartTime:   time.Now(),
		Metadata:    make(map[string]any),
	}

	ran, abortErr := p.runBefore(pctx)
	if abortErr != nil {
		if abortErr.Hint == nil {
			abortErr.Hint = retryHintFromCode(tool.Name, abortErr.Code)
		}
		_, _ = p.tracker.Fail(id.String(), abortErr.Error())
		p.emitter.Emit(events.NewToolError(tool.Name, abortErr.Error(), abortErr.Code))
		return nil, abortErr
	}

	result, invokeErr := p.invokeHandler(ctx, pctx)

	if invokeErr == nil {
		for i := len(ran) - 1; i >= 0; i-- {
			p.safeAfter(ran[i], pctx, result)
		}
		durationMs := time.Since(pctx.StartTime).Milliseconds()
		_, _ = p.tracker.Succeed(id.String(), result)
		p.emitter.Emit(events.NewToolResult(tool.Name, result, durationMs, pctx.Skip))
		return result, nil
	}

	for i := len(ran) - 1; i >= 0; i-- {
		p.safeOnError(ran[i], pctx, invokeErr)
	}
	toolErr := WrapToolError(CodeInternal, invokeErr)
	if toolErr.Hint == nil {
		toolErr.Hint = retryHintFromCode(tool.Name, toolErr.Code)
	}
	_, _ = p.tracker.Fail(id.String(), toolErr.Error())
	p.emitter.Emit(events.NewToolError(tool.Name, toolErr.Error(), toolErr.Code))
	return nil, toolErr
}

// runBefore runs Before hooks ascending, stopping either at the first
// cache hit (ctx.Skip) or at an interceptor whose StopOnError aborts the
// chain. It returns the interceptors that participated (so After/OnError
// only visits those) and, on abort, the ToolError to report.
func (p *Pipeline) runBefore(pctx *Context) ([]Interceptor, *ToolError) {
	ran := make([]Interceptor, 0, len(p.interceptors))
	for _, ic := range p.interceptors {
		if err := ic.Before(pctx); err != nil {
			if ic.StopOnError() {
				for i := len(ran) - 1; i >= 0; i-- {
					p.safeOnError(ran[i], pctx, err)
				}
				return ran, WrapToolError(CodeGuardrailViolation, err)
			}
			p.log.Warn(context.Background(), "toolpipeline: interceptor Before failed, continuing", "interceptor", ic.Name(), "error", err.Error())
		}
		ran = append(ran, ic)
		if pctx.Skip {
			break
		}
	}
	return ran, nil
}

func (p *Pipeline) invokeHandler(ctx context.Context, pctx *Context) (any, error) {
	if pctx.Skip {
		return pctx.CachedResult, nil
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if pctx.Tool.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, pctx.Tool.Timeout)
		defer cancel()
	}

	result, err := pctx.Tool.Handler(callCtx, pctx.Input)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, NewToolError(CodeTimeout, fmt.Sprintf("tool %q exceeded its timeout", pctx.Tool.Name))
		}
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) safeAfter(ic Interceptor, pctx *Context, result any) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn(context.Background(), "toolpipeline: interceptor After panicked", "interceptor", ic.Name(), "panic", fmt.Sprint(r))
		}
	}()
	ic.After(pctx, result)
}

func (p *Pipeline) safeOnError(ic Interceptor, pctx *Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn(context.Background(), "toolpipeline: interceptor OnError panicked", "interceptor", ic.Name(), "panic", fmt.Sprint(r))
		}
	}()
	ic.OnError(pctx, err)
}
