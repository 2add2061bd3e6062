package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/runtime/events"
)

type recordingSink struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (s *recordingSink) Send(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSink) snapshot() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestEmitDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	em := newEmitter("sess-1", sink, DefaultQueueCapacity, noopLogger{}, AllDomainsProfile())
	defer em.Close()

	em.Emit(events.NewToolStart("a", nil, "t1", ""))
	em.Emit(events.NewToolResult("a", nil, 5, false))

	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })
	envs := sink.snapshot()
	assert.Equal(t, events.TypeToolStart, envs[0].Header.Type)
	assert.Equal(t, events.TypeToolResult, envs[1].Header.Type)
}

func TestEmitAssignsUniqueIDs(t *testing.T) {
	sink := &recordingSink{}
	em := newEmitter("sess-1", sink, DefaultQueueCapacity, noopLogger{}, AllDomainsProfile())
	defer em.Close()

	for i := 0; i < 5; i++ {
		em.Emit(events.NewChatDelta("chunk"))
	}
	waitFor(t, func() bool { return len(sink.snapshot()) == 5 })

	seen := map[string]bool{}
	for _, env := range sink.snapshot() {
		assert.False(t, seen[env.Header.ID])
		seen[env.Header.ID] = true
	}
}

func TestBackpressureDropsOldestDroppableEvents(t *testing.T) {
	sink := &recordingSink{}
	em := &Emitter{
		sessionID: "sess-1",
		sink:      sink,
		capacity:  2,
		log:       noopLogger{},
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	em.lastActivity.Store(time.Now().UnixNano())

	// Fill the queue directly without starting the drain goroutine so we
	// can observe the drop-oldest policy deterministically.
	em.mu.Lock()
	em.queue = []events.Envelope{
		events.NewChatDelta("first").WithMeta("e1", 1),
		events.NewChatDelta("second").WithMeta("e2", 2),
	}
	em.mu.Unlock()

	ok := em.Emit(events.NewChatDelta("third"))
	assert.True(t, ok)

	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.queue, 2)
	assert.Equal(t, "e2", em.queue[0].Header.ID)
	assert.Equal(t, "third", em.queue[1].Data.(events.ChatDeltaData).Text)
}

func TestOverrunClosesEmitterAndEmitsSystemError(t *testing.T) {
	sink := &recordingSink{}
	em := &Emitter{
		sessionID: "sess-1",
		sink:      sink,
		capacity:  1,
		log:       noopLogger{},
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	em.lastActivity.Store(time.Now().UnixNano())
	em.wg.Add(1)
	go em.drain()

	em.mu.Lock()
	em.queue = []events.Envelope{events.NewToolResult("a", nil, 1, false).WithMeta("e1", 1)}
	em.mu.Unlock()

	ok := em.Emit(events.NewToolResult("b", nil, 1, false))
	assert.False(t, ok)

	waitFor(t, func() bool {
		em.mu.Lock()
		defer em.mu.Unlock()
		return em.closed
	})

	found := false
	for _, env := range sink.snapshot() {
		if env.Header.Domain == events.DomainSystem && env.Header.Type == events.TypeSystemError {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDispatcherRegisterBroadcastUnregister(t *testing.T) {
	d := New(WithQueueCapacity(16))
	sink1 := &recordingSink{}
	sink2 := &recordingSink{}

	_, err := d.Register("a", sink1)
	require.NoError(t, err)
	_, err = d.Register("b", sink2)
	require.NoError(t, err)

	_, err = d.Register("a", sink1)
	assert.ErrorIs(t, err, ErrSessionExists)

	d.Broadcast(events.NewSystemHeartbeat(), nil)
	waitFor(t, func() bool { return len(sink1.snapshot()) == 1 && len(sink2.snapshot()) == 1 })

	d.Broadcast(events.NewChatMessage("hi", "assistant"), func(sessionID string) bool { return sessionID == "a" })
	waitFor(t, func() bool { return len(sink1.snapshot()) == 2 })
	assert.Len(t, sink2.snapshot(), 1)

	assert.Equal(t, 2, d.Stats().Emitters)
	d.Unregister("a")
	assert.Equal(t, 1, d.Stats().Emitters)
}

func TestProfileRestrictsDelivery(t *testing.T) {
	d := New(WithQueueCapacity(16))
	defer d.Stop()
	sink := &recordingSink{}

	em, err := d.RegisterWithProfile("metrics", sink, MetricsProfile())
	require.NoError(t, err)

	assert.False(t, em.Emit(events.NewChatMessage("hi", "assistant")))
	assert.True(t, em.Emit(events.NewAuditLog("info", "ok")))
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
	assert.Equal(t, events.DomainAudit, sink.snapshot()[0].Header.Domain)
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
