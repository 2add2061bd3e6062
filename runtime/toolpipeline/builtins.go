package toolpipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/flowcore/flowcore/runtime/telemetry"
)

// Validator inspects a tool invocation's input and returns a non-nil
// error to deny it.
type Validator func(toolName string, input any) error

// loggingInterceptor logs Before/After/OnError around every invocation.
// It always runs first (Order returns the lowest possible value) and
// never aborts the chain.
type loggingInterceptor struct {
	log telemetry.Logger
}

// NewLoggingInterceptor constructs the built-in Logging interceptor.
func NewLoggingInterceptor(log telemetry.Logger) Interceptor {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &loggingInterceptor{log: log}
}

func (loggingInterceptor) Name() string      { return "logging" }
func (loggingInterceptor) Order() int        { return math.MinInt }
func (loggingInterceptor) StopOnError() bool { return false }

func (l *loggingInterceptor) Before(ctx *Context) error {
	l.log.Info(context.Background(), "tool invocation starting",
		"execution_id", ctx.ExecutionID, "tool", ctx.Tool.Name)
	return nil
}

func (l *loggingInterceptor) After(ctx *Context, _ any) {
	l.log.Info(context.Background(), "tool invocation succeeded",
		"execution_id", ctx.ExecutionID, "tool", ctx.Tool.Name,
		"duration", time.Since(ctx.StartTime).String())
}

func (l *loggingInterceptor) OnError(ctx *Context, err error) {
	l.log.Error(context.Background(), "tool invocation failed",
		"execution_id", ctx.ExecutionID, "tool", ctx.Tool.Name,
		"duration", time.Since(ctx.StartTime).String(), "error", err.Error())
}

// cachingInterceptor serves repeated calls with identical (tool, input)
// fingerprints from a bounded TTL cache.
type cachingInterceptor struct {
	cache *lru.LRU[string, any]
}

// DefaultCacheSize and DefaultCacheTTL match the values named in the
// caching interceptor's contract.
const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
)

// NewCachingInterceptor constructs the built-in Caching interceptor with
// a bounded, TTL-expiring cache.
func NewCachingInterceptor() Interceptor {
	return &cachingInterceptor{cache: lru.NewLRU[string, any](DefaultCacheSize, nil, DefaultCacheTTL)}
}

func (cachingInterceptor) Name() string      { return "caching" }
func (cachingInterceptor) Order() int        { return 10 }
func (cachingInterceptor) StopOnError() bool { return false }

func (c *cachingInterceptor) Before(ctx *Context) error {
	key, err := Fingerprint(ctx.Tool.Name, ctx.Input)
	if err != nil {
		return nil // fingerprinting failure degrades to a cache miss, not an error
	}
	ctx.Metadata["cache_key"] = key
	if cached, ok := c.cache.Get(key); ok {
		ctx.Skip = true
		ctx.CachedResult = cached
		ctx.Metadata["cached"] = true
		return nil
	}
	ctx.CacheOnSuccess = true
	return nil
}

func (c *cachingInterceptor) After(ctx *Context, result any) {
	if !ctx.CacheOnSuccess {
		return
	}
	key, ok := ctx.Metadata["cache_key"].(string)
	if !ok {
		return
	}
	c.cache.Add(key, result)
}

func (cachingInterceptor) OnError(*Context, error) {}

// guardrailsInterceptor denies tool calls whose input violates any
// registered validator. A violation aborts the chain: StopOnError is true.
type guardrailsInterceptor struct {
	validators []Validator
}

// NewGuardrailsInterceptor constructs the built-in Guardrails interceptor
// from a set of input validators, run in order; the first denial wins.
func NewGuardrailsInterceptor(validators ...Validator) Interceptor {
	return &guardrailsInterceptor{validators: validators}
}

func (guardrailsInterceptor) Name() string      { return "guardrails" }
func (guardrailsInterceptor) Order() int        { return 20 }
func (guardrailsInterceptor) StopOnError() bool { return true }

func (g *guardrailsInterceptor) Before(ctx *Context) error {
	for _, validate := range g.validators {
		if err := validate(ctx.Tool.Name, ctx.Input); err != nil {
			return NewToolError(CodeGuardrailViolation, err.Error())
		}
	}
	return nil
}

func (guardrailsInterceptor) After(*Context, any)     {}
func (guardrailsInterceptor) OnError(*Context, error) {}

// DenyPIIPatterns returns a Validator that rejects input whose fmt.Sprint
// rendering contains any of the given substrings (case-insensitive). It is
// a coarse placeholder for a real PII scanner: sufficient to demonstrate
// the guardrail hook without depending on a specific detection library.
func DenyPIIPatterns(patterns ...string) Validator {
	return func(toolName string, input any) error {
		blob := fmt.Sprint(input)
		lower := strings.ToLower(blob)
		for _, p := range patterns {
			if p == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(p)) {
				return fmt.Errorf("input for %q matches denied pattern %q", toolName, p)
			}
		}
		return nil
	}
}

// RateLimitPerTool returns a Validator enforcing a simple fixed-window
// call budget per tool name. Safe for concurrent invocations.
func RateLimitPerTool(maxCalls int, window time.Duration) Validator {
	type bucket struct {
		count      int
		windowOpen time.Time
	}
	var mu sync.Mutex
	buckets := make(map[string]*bucket)
	return func(toolName string, _ any) error {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		b, ok := buckets[toolName]
		if !ok || now.Sub(b.windowOpen) > window {
			b = &bucket{windowOpen: now}
			buckets[toolName] = b
		}
		b.count++
		if b.count > maxCalls {
			return fmt.Errorf("tool %q exceeded rate limit of %d calls per %s", toolName, maxCalls, window)
		}
		return nil
	}
}

// metricsInterceptor records duration and success/failure counters for
// every tool invocation.
type metricsInterceptor struct {
	metrics telemetry.Metrics
}

// NewMetricsInterceptor constructs the built-in Metrics interceptor.
func NewMetricsInterceptor(m telemetry.Metrics) Interceptor {
	if m == nil {
		m = telemetry.NewNoopMetrics()
	}
	return &metricsInterceptor{metrics: m}
}

func (metricsInterceptor) Name() string      { return "metrics" }
func (metricsInterceptor) Order() int        { return 30 }
func (metricsInterceptor) StopOnError() bool { return false }

func (m *metricsInterceptor) Before(ctx *Context) error {
	ctx.Metadata["metrics_start"] = time.Now()
	return nil
}

func (m *metricsInterceptor) After(ctx *Context, _ any) {
	m.record(ctx, "success")
}

func (m *metricsInterceptor) OnError(ctx *Context, _ error) {
	m.record(ctx, "failure")
}

func (m *metricsInterceptor) record(ctx *Context, outcome string) {
	start, _ := ctx.Metadata["metrics_start"].(time.Time)
	if start.IsZero() {
		start = ctx.StartTime
	}
	m.metrics.RecordTimer("tool.invocation.duration", time.Since(start), "tool", ctx.Tool.Name, "outcome", outcome)
	m.metrics.IncCounter("tool.invocation.count", 1, "tool", ctx.Tool.Name, "outcome", outcome)
}
