package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/tinywideclouds/go-background-messaging/internal/dispatcher"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

const DefaultExecutionTimeout = 10 * time.Second

var (
	ErrRuntimeClosed   = errors.New("lua runtime is closed")
	ErrAlreadyStarted  = errors.New("lua runtime already started")
	ErrHandlerNotFound = errors.New("handler is not a global function")
	ErrHandlerRejected = errors.New("handler returned false")
)

var _ dispatcher.Host = (*Runtime)(nil)

// Config tunes a Runtime.
type Config struct {
	// ExecutionTimeout bounds the entry script and each handler call.
	ExecutionTimeout time.Duration
}

type task struct {
	handler string
	req     *delivery.PendingRequest
	signal  delivery.CompletionSignal
}

// Runtime is a single-use interpreter host. Start it once; after Close or a
// failed initialization a fresh Runtime is needed.
type Runtime struct {
	cfg      Config
	source   ScriptSource
	notifier delivery.Notifier
	logger   *slog.Logger

	started atomic.Bool
	// wake holds at most one pending notification that backlog grew.
	wake chan struct{}

	mu      sync.Mutex
	backlog []task
	closed  bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewRuntime creates an unstarted runtime. notifier may be nil, in which case
// messaging.notify raises an error in the script.
func NewRuntime(cfg Config, source ScriptSource, notifier delivery.Notifier, logger *slog.Logger) *Runtime {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	return &Runtime{
		cfg:      cfg,
		source:   source,
		notifier: notifier,
		logger:   logger.With("component", "LuaRuntime"),
		wake:     make(chan struct{}, 1),
	}
}

// Factory returns a dispatcher.HostFactory producing runtimes that share cfg,
// source and notifier.
func Factory(cfg Config, source ScriptSource, notifier delivery.Notifier, logger *slog.Logger) dispatcher.HostFactory {
	return func() (dispatcher.Host, error) {
		if source == nil {
			return nil, errors.New("script source is required")
		}
		return NewRuntime(cfg, source, notifier, logger), nil
	}
}

// Start loads the entry point and runs it on the runtime's goroutine. The
// outcome is reported through lifecycle once the entry script returns.
func (r *Runtime) Start(ctx context.Context, entryPoint string, lifecycle dispatcher.Lifecycle) error {
	if strings.TrimSpace(entryPoint) == "" {
		return errors.New("no dispatch entry point registered")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRuntimeClosed
	}
	if !r.started.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.runCtx = runCtx
	r.cancel = cancel
	r.mu.Unlock()

	script, err := r.source.Load(entryPoint)
	if err != nil {
		cancel()
		return err
	}

	go r.run(runCtx, entryPoint, script, lifecycle)
	return nil
}

// Execute appends a handler call to the runtime's FIFO backlog. It never
// blocks and never rejects work while the runtime is open, so a drain of any
// size hands over in order. Calls made before Start run once the entry point
// has finished.
func (r *Runtime) Execute(handler string, req *delivery.PendingRequest, signal delivery.CompletionSignal) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRuntimeClosed
	}
	r.backlog = append(r.backlog, task{handler: handler, req: req, signal: signal})
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the runtime. Tasks still queued complete with ErrRuntimeClosed.
// It does not wait for a running handler to return. Calling it after the
// runtime stopped on its own still releases the run context.
func (r *Runtime) Close() error {
	r.stop(ErrRuntimeClosed)
	return nil
}

func (r *Runtime) run(ctx context.Context, entryPoint, script string, lifecycle dispatcher.Lifecycle) {
	L := newSandboxedState()
	defer L.Close()
	r.installBindings(L)

	err := protect(func() error { return r.runEntry(ctx, L, entryPoint, script) })
	if err != nil {
		r.logger.Error("Entry point failed", "entry_point", entryPoint, "err", err)
		r.stop(err)
		lifecycle.OnHostFailed(err)
		return
	}
	if ctx.Err() != nil {
		r.stop(ErrRuntimeClosed)
		return
	}

	r.logger.Info("Lua runtime ready", "entry_point", entryPoint)
	lifecycle.OnHostReady()

	for {
		if ctx.Err() != nil {
			r.stop(ErrRuntimeClosed)
			return
		}
		t, ok := r.next()
		if ok {
			r.invoke(ctx, L, t)
			continue
		}
		select {
		case <-ctx.Done():
		case <-r.wake:
		}
	}
}

// next pops the oldest queued task.
func (r *Runtime) next() (task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.backlog) == 0 {
		return task{}, false
	}
	t := r.backlog[0]
	r.backlog[0] = task{}
	r.backlog = r.backlog[1:]
	return t, true
}

func (r *Runtime) runEntry(ctx context.Context, L *lua.LState, entryPoint, script string) error {
	fn, err := L.Load(strings.NewReader(script), entryPoint)
	if err != nil {
		return fmt.Errorf("failed to compile entry point %q: %w", entryPoint, err)
	}

	entryCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecutionTimeout)
	defer cancel()
	L.SetContext(entryCtx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return fmt.Errorf("entry point %q failed: %w", entryPoint, err)
	}
	return nil
}

func (r *Runtime) invoke(ctx context.Context, L *lua.LState, t task) {
	err := protect(func() error { return r.call(ctx, L, t) })
	if err != nil {
		r.logger.Warn("Background handler failed", "handler", t.handler, "request_id", t.req.ID, "err", err)
	}
	t.signal.Done(err)
}

func (r *Runtime) call(ctx context.Context, L *lua.LState, t task) error {
	fn, ok := L.GetGlobal(t.handler).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%w: %q", ErrHandlerNotFound, t.handler)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecutionTimeout)
	defer cancel()
	L.SetContext(callCtx)
	defer L.RemoveContext()

	top := L.GetTop()
	defer L.SetTop(top)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, messageTable(L, t.req)); err != nil {
		return fmt.Errorf("handler %q failed: %w", t.handler, err)
	}
	if L.Get(-1) == lua.LFalse {
		return ErrHandlerRejected
	}
	return nil
}

// stop refuses further work, cancels the run context and fails anything
// still queued with err. It is safe to call more than once.
func (r *Runtime) stop(err error) {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	pending := r.backlog
	r.backlog = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, t := range pending {
		t.signal.Done(err)
	}
}
