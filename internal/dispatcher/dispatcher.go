// Package dispatcher runs background message-handling requests on the embedded
// interpreter host, queueing them while the host is still starting.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// DefaultWaitTimeout bounds how long a caller blocks on a single handler run.
const DefaultWaitTimeout = 30 * time.Second

var (
	// ErrNoHandler means no handler reference was ever registered.
	ErrNoHandler         = errors.New("no background handler registered")
	// ErrHostNotReady is returned by DispatchOne before the host signalled ready.
	ErrHostNotReady      = errors.New("interpreter host is not ready")
	// ErrWaitTimeout means the handler did not finish within the wait timeout.
	ErrWaitTimeout       = errors.New("timed out waiting for background handler")
	// ErrDispatcherClosed is returned once Close has been called.
	ErrDispatcherClosed  = errors.New("dispatcher is closed")
	// ErrEmptyRegistration rejects a blank entry point or handler reference.
	ErrEmptyRegistration = errors.New("registration reference must not be empty")
	// ErrNilRequest is returned by DispatchOne for a nil request.
	ErrNilRequest        = errors.New("request must not be nil")
)

// Host is the embedded interpreter host that runs user handlers.
type Host interface {
	// Start launches the host and returns without waiting for it to initialize.
	// The outcome is reported later through lifecycle, from another goroutine.
	Start(ctx context.Context, entryPoint string, lifecycle Lifecycle) error
	// Execute enqueues req for handler without blocking. An open host accepts
	// every request in call order with no capacity limit; only a closed host
	// returns an error. signal fires exactly once when the handler finishes.
	Execute(handler string, req *delivery.PendingRequest, signal delivery.CompletionSignal) error
	Close() error
}

// Lifecycle receives the initialization outcome of one host instance.
type Lifecycle interface {
	OnHostReady()
	OnHostFailed(err error)
}

// HostFactory creates a new, unstarted host.
type HostFactory func() (Host, error)

// State is the dispatcher lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes the dispatcher.
type Config struct {
	WaitTimeout time.Duration
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Queued     int64 `json:"queued"`
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Abandoned  int64 `json:"abandoned"`
	Dropped    int64 `json:"dropped"`
}

type counters struct {
	queued, dispatched, completed, failed, abandoned, dropped atomic.Int64
}

// Dispatcher owns the pending request queue and the interpreter host handle.
// A single mutex guards queue, state, host and handles; it is never held
// while waiting for a handler to finish.
type Dispatcher struct {
	mu         sync.Mutex
	queue      []*delivery.PendingRequest
	state      State
	host       Host
	generation uint64
	handles    delivery.Handles
	closed     bool

	inFlight atomic.Int64
	counters counters

	// hostCtx outlives individual requests and bounds the host's lifetime.
	hostCtx    context.Context
	hostCancel context.CancelFunc

	newHost     HostFactory
	store       delivery.HandleStore
	waitTimeout time.Duration
	logger      *slog.Logger
}

// New builds a dispatcher and restores previously registered handles from
// store, which may be nil for an in-memory registration.
func New(ctx context.Context, cfg Config, newHost HostFactory, store delivery.HandleStore, logger *slog.Logger) (*Dispatcher, error) {
	if newHost == nil {
		return nil, errors.New("host factory is required")
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}

	var handles delivery.Handles
	if store != nil {
		loaded, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load registered handles: %w", err)
		}
		handles = loaded
	}

	hostCtx, hostCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		state:       StateUninitialized,
		handles:     handles,
		hostCtx:     hostCtx,
		hostCancel:  hostCancel,
		newHost:     newHost,
		store:       store,
		waitTimeout: cfg.WaitTimeout,
		logger:      logger.With("component", "BackgroundDispatcher"),
	}
	d.logger.Debug("Dispatcher created",
		"entry_point", handles.EntryPoint,
		"handler_registered", handles.HasHandler(),
	)
	return d, nil
}

// Submit runs req on the interpreter host, or queues it until the host is
// ready. It is safe to call before any host exists. Failures are logged and
// the request is dropped; nothing is retried here.
func (d *Dispatcher) Submit(ctx context.Context, req *delivery.PendingRequest) {
	if req == nil {
		d.counters.dropped.Add(1)
		d.logger.Warn("Ignoring nil background request.")
		return
	}
	reqLogger := d.logger.With("request_id", req.ID)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.counters.dropped.Add(1)
		reqLogger.Warn("Dispatcher closed; dropping background request.")
		return
	}
	if !d.handles.HasHandler() {
		d.mu.Unlock()
		d.counters.dropped.Add(1)
		reqLogger.Warn("A background message could not be handled as no background handler has been registered.")
		return
	}

	if d.state != StateReady {
		if err := d.ensureStartedLocked(); err != nil {
			d.mu.Unlock()
			d.counters.dropped.Add(1)
			reqLogger.Warn("Interpreter host failed to start; dropping background request.", "err", err)
			return
		}
		d.queue = append(d.queue, req)
		queueLen := len(d.queue)
		d.mu.Unlock()
		d.counters.queued.Add(1)
		reqLogger.Info("Interpreter host has not yet started, request queued.", "queue_len", queueLen)
		return
	}

	signal, err := d.handOffLocked(req)
	d.mu.Unlock()
	if err != nil {
		d.counters.dropped.Add(1)
		reqLogger.Warn("Interpreter host rejected background request.", "err", err)
		return
	}
	_ = d.await(ctx, req, signal)
}

// DispatchOne hands req to the ready host and blocks until the handler
// finishes, the configured wait elapses, or ctx is cancelled. An abandoned
// wait is not retried.
func (d *Dispatcher) DispatchOne(ctx context.Context, req *delivery.PendingRequest) error {
	if req == nil {
		return ErrNilRequest
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if !d.handles.HasHandler() {
		d.mu.Unlock()
		return ErrNoHandler
	}
	if d.state != StateReady {
		d.mu.Unlock()
		return ErrHostNotReady
	}
	signal, err := d.handOffLocked(req)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to hand off request %s: %w", req.ID, err)
	}
	return d.await(ctx, req, signal)
}

// StartHost triggers interpreter host startup. A second request while a host
// is starting or running is a logged no-op.
func (d *Dispatcher) StartHost() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if d.state != StateUninitialized {
		d.logger.Warn("Attempted to start a duplicate interpreter host. Returning...", "state", d.state.String())
		return nil
	}
	return d.startLocked()
}

// OnHostReady drains the queue into the current host, in arrival order, and
// marks the dispatcher ready. Hosts normally reach this through the Lifecycle
// passed to Start.
func (d *Dispatcher) OnHostReady() {
	d.mu.Lock()
	generation := d.generation
	d.mu.Unlock()
	d.hostReady(generation)
}

// RegisterHandlerReference records the user handler run for every background message.
func (d *Dispatcher) RegisterHandlerReference(ctx context.Context, ref string) error {
	if ref == "" {
		return ErrEmptyRegistration
	}
	if d.store != nil {
		if err := d.store.SaveHandler(ctx, ref); err != nil {
			return fmt.Errorf("failed to persist handler reference: %w", err)
		}
	}
	d.mu.Lock()
	d.handles.Handler = ref
	d.mu.Unlock()
	d.logger.Info("Background handler registered", "handler", ref)
	return nil
}

// RegisterDispatchEntryPoint records the reference used to initialize the
// host. It applies to the next host start.
func (d *Dispatcher) RegisterDispatchEntryPoint(ctx context.Context, ref string) error {
	if ref == "" {
		return ErrEmptyRegistration
	}
	if d.store != nil {
		if err := d.store.SaveEntryPoint(ctx, ref); err != nil {
			return fmt.Errorf("failed to persist dispatch entry point: %w", err)
		}
	}
	d.mu.Lock()
	d.handles.EntryPoint = ref
	state := d.state
	d.mu.Unlock()
	d.logger.Info("Dispatch entry point registered", "entry_point", ref, "state", state.String())
	return nil
}

// Handles returns the currently registered handles.
func (d *Dispatcher) Handles() delivery.Handles {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles
}

// State returns the lifecycle state; a ready host with work in flight is
// reported as StateDispatching.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state == StateReady && d.inFlight.Load() > 0 {
		return StateDispatching
	}
	return state
}

// QueueLen returns the number of requests waiting for the host.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stats returns a snapshot of the request counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:     d.counters.queued.Load(),
		Dispatched: d.counters.dispatched.Load(),
		Completed:  d.counters.completed.Load(),
		Failed:     d.counters.failed.Load(),
		Abandoned:  d.counters.abandoned.Load(),
		Dropped:    d.counters.dropped.Load(),
	}
}

// Close stops the host and drops anything still queued.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	host := d.host
	dropped := len(d.queue)
	d.host = nil
	d.queue = nil
	d.state = StateUninitialized
	d.generation++
	d.mu.Unlock()

	d.hostCancel()
	if dropped > 0 {
		d.counters.dropped.Add(int64(dropped))
		d.logger.Warn("Dispatcher closed with queued requests", "dropped", dropped)
	}
	if host != nil {
		return host.Close()
	}
	return nil
}

// --- internals ---

// hostLifecycle binds lifecycle callbacks to one host generation so a stale
// host cannot drain the queue into its replacement.
type hostLifecycle struct {
	d          *Dispatcher
	generation uint64
}

func (l hostLifecycle) OnHostReady()           { l.d.hostReady(l.generation) }
func (l hostLifecycle) OnHostFailed(err error) { l.d.hostFailed(l.generation, err) }

func (d *Dispatcher) ensureStartedLocked() error {
	if d.state == StateStarting {
		return nil
	}
	return d.startLocked()
}

func (d *Dispatcher) startLocked() error {
	host, err := d.newHost()
	if err != nil {
		return fmt.Errorf("failed to create interpreter host: %w", err)
	}
	d.generation++
	lifecycle := hostLifecycle{d: d, generation: d.generation}
	if err := host.Start(d.hostCtx, d.handles.EntryPoint, lifecycle); err != nil {
		_ = host.Close()
		return fmt.Errorf("failed to start interpreter host: %w", err)
	}
	d.host = host
	d.state = StateStarting
	d.logger.Info("Interpreter host starting", "entry_point", d.handles.EntryPoint, "generation", d.generation)
	return nil
}

func (d *Dispatcher) hostReady(generation uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if generation != d.generation || d.state != StateStarting {
		d.logger.Warn("Ignoring ready signal from a stale interpreter host", "generation", generation, "state", d.state.String())
		return
	}

	d.logger.Info("Interpreter host started; handling queued requests.", "queued", len(d.queue))
	for _, req := range d.queue {
		reqLogger := d.logger.With("request_id", req.ID)
		signal := d.trackedCompletion(func(err error) {
			if err != nil {
				reqLogger.Warn("Queued background request failed", "err", err)
				return
			}
			reqLogger.Debug("Queued background request completed")
		})
		d.inFlight.Add(1)
		if err := d.host.Execute(d.handles.Handler, req, signal); err != nil {
			d.inFlight.Add(-1)
			d.counters.dropped.Add(1)
			reqLogger.Warn("Interpreter host rejected queued request", "err", err)
			continue
		}
		d.counters.dispatched.Add(1)
	}
	d.queue = nil
	d.state = StateReady
}

func (d *Dispatcher) hostFailed(generation uint64, cause error) {
	d.mu.Lock()
	if generation != d.generation {
		d.mu.Unlock()
		return
	}
	host := d.host
	d.host = nil
	d.state = StateUninitialized
	queued := len(d.queue)
	d.mu.Unlock()

	d.logger.Warn("Interpreter host failed to initialize; queued requests kept for the next start", "err", cause, "queued", queued)
	if host != nil {
		_ = host.Close()
	}
}

func (d *Dispatcher) handOffLocked(req *delivery.PendingRequest) (*completion, error) {
	signal := d.trackedCompletion(nil)
	d.inFlight.Add(1)
	if err := d.host.Execute(d.handles.Handler, req, signal); err != nil {
		d.inFlight.Add(-1)
		return nil, err
	}
	d.counters.dispatched.Add(1)
	return signal, nil
}

// trackedCompletion keeps the in-flight and outcome counters current.
func (d *Dispatcher) trackedCompletion(report func(err error)) *completion {
	return newCompletion(func(err error) {
		d.inFlight.Add(-1)
		if err != nil {
			d.counters.failed.Add(1)
		} else {
			d.counters.completed.Add(1)
		}
		if report != nil {
			report(err)
		}
	})
}

func (d *Dispatcher) await(ctx context.Context, req *delivery.PendingRequest, signal *completion) error {
	reqLogger := d.logger.With("request_id", req.ID)
	err := signal.wait(ctx, d.waitTimeout)
	switch {
	case err == nil:
		reqLogger.Debug("Background request completed")
	case errors.Is(err, ErrWaitTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.counters.abandoned.Add(1)
		reqLogger.Warn("Exception waiting to execute background handler; request will not be retried.", "err", err)
	default:
		reqLogger.Warn("Background handler returned an error", "err", err)
	}
	return err
}
