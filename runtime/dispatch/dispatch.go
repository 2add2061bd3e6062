// Package dispatch multiplexes event envelopes onto per-session push
// connections. A Dispatcher owns one Emitter per session; emitters buffer
// envelopes in a bounded queue and apply a backpressure policy when a
// client is draining too slowly to keep up.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/telemetry"
)

// ErrSessionExists is returned by Register when a session id is already
// registered.
var ErrSessionExists = errors.New("dispatch: session already registered")

// ErrUnknownSession is returned by operations referencing a session id
// that has no registered emitter.
var ErrUnknownSession = errors.New("dispatch: unknown session")

const (
	// DefaultQueueCapacity bounds the number of buffered envelopes per
	// emitter before backpressure kicks in.
	DefaultQueueCapacity = 1024
	// DefaultHeartbeatInterval is how often SYSTEM/heartbeat is emitted on
	// every registered emitter.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultIdleTTL is how long an emitter may go without an Emit call
	// before the dispatcher's cleanup sweep unregisters it.
	DefaultIdleTTL = 30 * time.Minute
)

// Dispatcher registers one Emitter per session and runs the shared
// heartbeat and idle-cleanup goroutines.
type Dispatcher struct {
	mu       sync.RWMutex
	emitters map[string]*Emitter
	log      telemetry.Logger

	queueCapacity int
	heartbeat     time.Duration
	idleTTL       time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithQueueCapacity overrides the per-emitter bounded queue size.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) { d.queueCapacity = n }
}

// WithHeartbeatInterval overrides the SYSTEM/heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.heartbeat = d }
}

// WithIdleTTL overrides how long an idle emitter survives before cleanup.
func WithIdleTTL(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.idleTTL = d }
}

// New constructs a Dispatcher. Call Start to begin the heartbeat and
// idle-cleanup goroutines; call Stop to tear them down and close every
// registered emitter.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		emitters:      make(map[string]*Emitter),
		log:           telemetry.NewNoopLogger(),
		queueCapacity: DefaultQueueCapacity,
		heartbeat:     DefaultHeartbeatInterval,
		idleTTL:       DefaultIdleTTL,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates and starts an Emitter for sessionID, delivering
// accepted envelopes to sink. Returns ErrSessionExists if sessionID is
// already registered.
func (d *Dispatcher) Register(sessionID string, sink Sink) (*Emitter, error) {
	return d.RegisterWithProfile(sessionID, sink, AllDomainsProfile())
}

// RegisterWithProfile is Register, scoping delivery to the domains
// profile allows. A session subscribed to a narrow profile (e.g. a
// metrics sink that only wants audit/metric) never sees envelopes
// outside it, rather than filtering them client-side after delivery.
func (d *Dispatcher) RegisterWithProfile(sessionID string, sink Sink, profile Profile) (*Emitter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.emitters[sessionID]; exists {
		return nil, ErrSessionExists
	}
	em := newEmitter(sessionID, sink, d.queueCapacity, d.log, profile)
	d.emitters[sessionID] = em
	return em, nil
}

// Unregister closes and removes the emitter for sessionID. It is a no-op
// if sessionID is not registered.
func (d *Dispatcher) Unregister(sessionID string) {
	d.mu.Lock()
	em, ok := d.emitters[sessionID]
	if ok {
		delete(d.emitters, sessionID)
	}
	d.mu.Unlock()
	if ok {
		em.Close()
	}
}

// Get returns the emitter registered for sessionID, if any.
func (d *Dispatcher) Get(sessionID string) (*Emitter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	em, ok := d.emitters[sessionID]
	return em, ok
}

// Broadcast emits envelope on every emitter whose session id satisfies
// predicate. Delivery is best-effort: a full, non-droppable queue on one
// emitter does not prevent delivery to the others.
func (d *Dispatcher) Broadcast(envelope events.Envelope, predicate func(sessionID string) bool) {
	d.mu.RLock()
	targets := make([]*Emitter, 0, len(d.emitters))
	for sessionID, em := range d.emitters {
		if predicate == nil || predicate(sessionID) {
			targets = append(targets, em)
		}
	}
	d.mu.RUnlock()
	for _, em := range targets {
		em.Emit(envelope)
	}
}

// Stats summarizes the dispatcher's current registrations.
type Stats struct {
	Emitters int
}

// Stats returns a snapshot of dispatcher-wide counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{Emitters: len(d.emitters)}
}

// Start launches the heartbeat and idle-cleanup background goroutines.
// Safe to call at most once per Dispatcher.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.heartbeatLoop()
	go d.cleanupLoop()
}

// Stop halts background goroutines and closes every registered emitter.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()

	d.mu.Lock()
	emitters := d.emitters
	d.emitters = make(map[string]*Emitter)
	d.mu.Unlock()
	for _, em := range emitters {
		em.Close()
	}
}

func (d *Dispatcher) heartbeatLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.Broadcast(events.NewSystemHeartbeat(), nil)
		}
	}
}

func (d *Dispatcher) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.idleTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweepIdle()
		}
	}
}

func (d *Dispatcher) sweepIdle() {
	cutoff := time.Now().Add(-d.idleTTL)
	d.mu.Lock()
	type staleEntry struct {
		sessionID string
		emitter   *Emitter
	}
	var stale []staleEntry
	for sessionID, em := range d.emitters {
		if em.LastActivity().Before(cutoff) {
			stale = append(stale, staleEntry{sessionID, em})
		}
	}
	for _, entry := range stale {
		delete(d.emitters, entry.sessionID)
	}
	d.mu.Unlock()

	for _, entry := range stale {
		d.log.Info(context.Background(), "dispatch: evicting idle session", "session_id", entry.sessionID)
		entry.emitter.Close()
	}
}
