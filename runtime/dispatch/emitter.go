package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/telemetry"
)

// Sink delivers envelopes to a session's underlying transport (SSE,
// WebSocket, an NDJSON writer). Implementations must be safe to call from
// the emitter's single drain goroutine; they are never called concurrently
// by the same Emitter.
type Sink interface {
	Send(ctx context.Context, env events.Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, env events.Envelope) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

// Emitter serializes envelopes onto one session's connection. Emit is
// non-blocking: envelopes are appended to a bounded in-memory queue and a
// background goroutine drains them to the Sink. When the queue is full,
// droppable envelopes (CHAT/delta, SYSTEM/heartbeat) are discarded
// oldest-first; non-droppable envelopes instead trigger a stream overrun,
// which records an AUDIT/log entry, emits SYSTEM/error, and closes the
// emitter.
type Emitter struct {
	sessionID string
	sink      Sink
	capacity  int
	log       telemetry.Logger
	profile   Profile

	mu     sync.Mutex
	queue  []events.Envelope
	notify chan struct{}
	closed bool

	lastActivity atomic.Int64 // unix nanos

	done chan struct{}
	wg   sync.WaitGroup
}

func newEmitter(sessionID string, sink Sink, capacity int, log telemetry.Logger, profile Profile) *Emitter {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	e := &Emitter{
		sessionID: sessionID,
		sink:      sink,
		capacity:  capacity,
		log:       log,
		profile:   profile,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	e.lastActivity.Store(time.Now().UnixNano())
	e.wg.Add(1)
	go e.drain()
	return e
}

// SessionID returns the session this emitter serves.
func (e *Emitter) SessionID() string { return e.sessionID }

// LastActivity reports when Emit was last called successfully.
func (e *Emitter) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// Emit enqueues envelope for delivery, assigning it a unique id and
// current timestamp. Returns false if the emitter is closed, the
// envelope's domain falls outside the emitter's profile, or the envelope
// could not be accepted (stream overrun).
func (e *Emitter) Emit(envelope events.Envelope) bool {
	if !e.profile.Accepts(envelope.Header.Domain) {
		return false
	}
	envelope = envelope.WithMeta(ulid.Make().String(), time.Now().UnixMilli())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}

	if len(e.queue) >= e.capacity {
		if envelope.Header.Droppable() {
			e.queue = append(e.queue[1:], envelope)
			e.lastActivity.Store(time.Now().UnixNano())
			e.mu.Unlock()
			e.signal()
			return true
		}
		e.mu.Unlock()
		e.overrun()
		return false
	}

	e.queue = append(e.queue, envelope)
	e.lastActivity.Store(time.Now().UnixNano())
	e.mu.Unlock()
	e.signal()
	return true
}

func (e *Emitter) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// overrun records the stream-overrun condition and closes the emitter.
// Close flushes the queue and stops the drain goroutine first, so the
// AUDIT/log and SYSTEM/error envelopes written directly to the sink are
// the last the client sees and never race a concurrent drain Send.
func (e *Emitter) overrun() {
	ctx := context.Background()
	e.log.Error(ctx, "dispatch: stream overrun", "session_id", e.sessionID)
	e.Close()
	_ = e.sink.Send(ctx, events.NewAuditLog("error", "stream-overrun").WithMeta(ulid.Make().String(), time.Now().UnixMilli()))
	_ = e.sink.Send(ctx, events.NewSystemError("stream overrun", "stream_overrun").WithMeta(ulid.Make().String(), time.Now().UnixMilli()))
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-e.done:
			e.flush(ctx)
			return
		case <-e.notify:
			e.flush(ctx)
		}
	}
}

func (e *Emitter) flush(ctx context.Context) {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		envelope := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if err := e.sink.Send(ctx, envelope); err != nil {
			e.log.Warn(ctx, "dispatch: sink send failed", "session_id", e.sessionID, "error", err.Error())
		}
	}
}

// Close stops the drain goroutine after flushing any buffered envelopes
// and marks the emitter unable to accept further Emit calls. Idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
	e.wg.Wait()
}
