package toolpipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/execid"
)

type recordingEmitter struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (e *recordingEmitter) Emit(env events.Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envs = append(e.envs, env)
	return true
}

func (e *recordingEmitter) snapshot() []events.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Envelope, len(e.envs))
	copy(out, e.envs)
	return out
}

func newTestPipeline(interceptors ...Interceptor) (*Pipeline, *execid.Tracker, *recordingEmitter, string) {
	tracker := execid.New(time.Hour)
	emitter := &recordingEmitter{}
	root := tracker.StartRoot(execid.KindFlow, nil)
	p := New(tracker, emitter, interceptors)
	return p, tracker, emitter, root.String()
}

func TestInvokeSuccessEmitsStartAndResultOnce(t *testing.T) {
	p, _, emitter, root := newTestPipeline()
	tool := &Descriptor{
		Name: "echo",
		Handler: func(_ context.Context, input any) (any, error) {
			return input, nil
		},
	}

	result, err := p.Invoke(context.Background(), root, tool, map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, result)

	envs := emitter.snapshot()
	var starts, results int
	for _, env := range envs {
		switch env.Header.Type {
		case events.TypeToolStart:
			starts++
		case events.TypeToolResult:
			results++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, results)
}

func TestInvokeWithCachingServesSecondCallFromCache(t *testing.T) {
	calls := 0
	tool := &Descriptor{
		Name: "lookup",
		Handler: func(context.Context, any) (any, error) {
			calls++
			return calls, nil
		},
	}
	p, _, _, root := newTestPipeline(NewCachingInterceptor())

	_, err := p.Invoke(context.Background(), root, tool, map[string]any{"q": "a"})
	require.NoError(t, err)
	_, err = p.Invoke(context.Background(), root, tool, map[string]any{"q": "a"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

type orderTrackingInterceptor struct {
	name        string
	order       int
	stopOnError bool
	beforeErr   error
	onError     func(name string)
}

func (o *orderTrackingInterceptor) Name() string          { return o.name }
func (o *orderTrackingInterceptor) Order() int            { return o.order }
func (o *orderTrackingInterceptor) StopOnError() bool     { return o.stopOnError }
func (o *orderTrackingInterceptor) Before(*Context) error { return o.beforeErr }
func (o *orderTrackingInterceptor) After(*Context, any)   {}
func (o *orderTrackingInterceptor) OnError(_ *Context, _ error) {
	if o.onError != nil {
		o.onError(o.name)
	}
}

func TestInvokeGuardrailDenialAbortsAndNotifiesInReverseOrder(t *testing.T) {
	var notified []string
	first := &orderTrackingInterceptor{name: "first", order: 1, onError: func(n string) { notified = append(notified, n) }}
	guard := NewGuardrailsInterceptor(DenyPIIPatterns("secret"))
	p, _, emitter, root := newTestPipeline(first, guard)

	tool := &Descriptor{Name: "submit", Handler: func(context.Context, any) (any, error) { return "should not run", nil }}
	_, err := p.Invoke(context.Background(), root, tool, map[string]any{"text": "this has a secret"})

	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeGuardrailViolation, toolErr.Code)
	assert.Equal(t, []string{"first"}, notified, "only the interceptor that ran Before should be notified, in reverse order")

	found := false
	for _, env := range emitter.snapshot() {
		if env.Header.Type == events.TypeToolError {
			found = true
		}
	}
	assert.True(t, found)
}

func TestInvokeTimeoutProducesTimeoutCodedError(t *testing.T) {
	p, _, _, root := newTestPipeline()
	tool := &Descriptor{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	_, err := p.Invoke(context.Background(), root, tool, nil)
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeTimeout, toolErr.Code)
}

type panickingInterceptor struct{}

func (panickingInterceptor) Name() string            { return "panicker" }
func (panickingInterceptor) Order() int              { return 100 }
func (panickingInterceptor) StopOnError() bool       { return false }
func (panickingInterceptor) Before(*Context) error   { return nil }
func (panickingInterceptor) After(*Context, any)     { panic("boom") }
func (panickingInterceptor) OnError(*Context, error) { panic("boom") }

func TestInvokeRecoversFromPanickingInterceptor(t *testing.T) {
	p, _, _, root := newTestPipeline(panickingInterceptor{})
	tool := &Descriptor{Name: "echo", Handler: func(_ context.Context, input any) (any, error) { return input, nil }}

	assert.NotPanics(t, func() {
		_, err := p.Invoke(context.Background(), root, tool, "x")
		assert.NoError(t, err)
	})
}

func TestInvokeInvalidInputFailsSchemaValidation(t *testing.T) {
	p, _, emitter, root := newTestPipeline()
	tool := &Descriptor{
		Name: "create-user",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
		Handler: func(context.Context, any) (any, error) { return "ok", nil },
	}

	_, err := p.Invoke(context.Background(), root, tool, map[string]any{})
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeInvalidInput, toolErr.Code)

	var starts, errs int
	for _, env := range emitter.snapshot() {
		switch env.Header.Type {
		case events.TypeToolStart:
			starts++
		case events.TypeToolError:
			errs++
		}
	}
	assert.Equal(t, 1, starts, "a failed invocation still emits exactly one tool/start")
	assert.Equal(t, 1, errs)
}

func TestInvokeHandlerErrorWrapsAsInternal(t *testing.T) {
	p, _, _, root := newTestPipeline()
	tool := &Descriptor{Name: "broken", Handler: func(context.Context, any) (any, error) { return nil, errors.New("db unreachable") }}

	_, err := p.Invoke(context.Background(), root, tool, nil)
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeInternal, toolErr.Code)
}
