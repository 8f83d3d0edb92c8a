package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-perish/v1/duration"
	perisherrors "github.com/mirkobrombin/go-perish/v1/errors"
	"github.com/mirkobrombin/go-perish/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-perish/v1/loop")

// State is the lifecycle state of a Loop.
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Event identifies a notification emitted by a Loop.
type Event int

const (
	// EventExecuted fires after every regular cycle.
	EventExecuted Event = iota
	// EventBumped fires after a manual Execute.
	EventBumped
	// EventStarted fires when the loop enters the running state.
	EventStarted
	// EventStopped fires when the loop enters the stopped state.
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventExecuted:
		return "executed"
	case EventBumped:
		return "bumped"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Func is the callback run by a Loop.
type Func[R any] func(ctx context.Context, l *Loop[R]) (R, error)

// Listener receives loop notifications. result and err are the callback
// outcome for EventExecuted and EventBumped, zero values otherwise.
type Listener[R any] func(l *Loop[R], result R, err error)

// ListenerID identifies a registered listener so it can be removed with Off.
type ListenerID string

type listener[R any] struct {
	id    ListenerID
	event Event
	fn    Listener[R]
	once  bool
}

type config struct {
	name        string
	immediate   bool
	stopOnError bool
	tracing     bool
	logger      *slog.Logger
}

// Option configures a Loop.
type Option func(*config)

// WithImmediate controls whether New starts the loop right away and runs the
// callback without waiting. The default is true. With false the loop is
// created stopped.
func WithImmediate(immediate bool) Option {
	return func(c *config) { c.immediate = immediate }
}

// WithName sets the name used in logs, metrics and spans.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithStopOnError stops the loop when a regular cycle fails instead of
// scheduling the next one.
func WithStopOnError() Option {
	return func(c *config) { c.stopOnError = true }
}

// WithTracing enables OpenTelemetry spans around callback invocations.
func WithTracing() Option {
	return func(c *config) { c.tracing = true }
}

// WithLogger sets the logger used to report callback failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Loop runs a callback repeatedly with a delay between runs.
type Loop[R any] struct {
	fn  Func[R]
	cfg config

	mu         sync.Mutex
	state      State
	delay      time.Duration
	gen        uint64
	cancelWait context.CancelFunc
	listeners  []listener[R]
	closed     bool

	// inflight is held by a chain across one regular invocation and its
	// EventExecuted notification. A chain started while an older one is
	// still inside its callback waits here before its first invocation.
	inflight sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Loop running fn every delay. delay accepts anything
// duration.Parse does, such as "30s" or a number of milliseconds.
//
// Unless WithImmediate(false) is given the loop starts at once and the first
// invocation happens without waiting.
func New[R any, D duration.Input](fn Func[R], delay D, opts ...Option) (*Loop[R], error) {
	if fn == nil {
		return nil, perisherrors.ErrNilCallback
	}
	d, err := duration.Parse(delay)
	if err != nil {
		return nil, err
	}
	cfg := config{name: "loop", immediate: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop[R]{
		fn:     fn,
		cfg:    cfg,
		delay:  d,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.immediate {
		l.Start(true)
	}
	return l, nil
}

// Name returns the loop name.
func (l *Loop[R]) Name() string { return l.cfg.name }

// Delay returns the current delay between cycles.
func (l *Loop[R]) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// SetDelay changes the delay between cycles. A wait already in progress is
// not shortened or extended; the new value applies from the next one.
func (l *Loop[R]) SetDelay(d time.Duration) *Loop[R] {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
	return l
}

// SetDelayString parses s with duration.Parse and applies it like SetDelay.
func (l *Loop[R]) SetDelayString(s string) error {
	d, err := duration.Parse(s)
	if err != nil {
		return err
	}
	l.SetDelay(d)
	return nil
}

// State returns the current lifecycle state.
func (l *Loop[R]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Running reports whether the loop is in the running state.
func (l *Loop[R]) Running() bool { return l.State() == StateRunning }

// Start puts the loop in the running state. If immediate is true the callback
// runs at once, otherwise after one delay. A cycle left running by an earlier
// Stop finishes before the new chain invokes the callback. Calling Start on a
// running or closed loop does nothing.
func (l *Loop[R]) Start(immediate bool) *Loop[R] {
	l.mu.Lock()
	if l.state == StateRunning || l.closed {
		l.mu.Unlock()
		return l
	}
	l.state = StateRunning
	l.gen++
	gen := l.gen
	waitCtx, cancel := context.WithCancel(l.ctx)
	l.cancelWait = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	metrics.RunningLoops.Inc()
	var zero R
	l.emit(EventStarted, zero, nil)
	go l.run(waitCtx, gen, immediate)
	return l
}

// Stop puts the loop in the stopped state. A callback already running is left
// to finish; no further cycle is scheduled. Stopping a stopped loop does
// nothing.
func (l *Loop[R]) Stop() *Loop[R] {
	l.halt(0, true)
	return l
}

// Close stops the loop and waits for its background goroutine to exit. A
// closed loop cannot be started again. Close must not be called from the
// loop callback.
func (l *Loop[R]) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.halt(0, true)
	l.cancel()
	l.wg.Wait()
}

// Execute runs the callback once outside the regular cycle. The loop state
// and the next scheduled cycle are unaffected. EventBumped is emitted once the
// callback returns.
func (l *Loop[R]) Execute(ctx context.Context) (R, error) {
	res, err := l.invoke(ctx, "Loop.Execute")
	metrics.LoopBumps.WithLabelValues(l.cfg.name).Inc()
	l.emit(EventBumped, res, err)
	return res, err
}

// On registers fn to be called after every regular cycle.
func (l *Loop[R]) On(fn Listener[R]) ListenerID {
	return l.register(EventExecuted, fn, false)
}

// Once registers fn to be called after the next regular cycle only.
func (l *Loop[R]) Once(fn Listener[R]) ListenerID {
	return l.register(EventExecuted, fn, true)
}

// Notify registers fn for the given event.
func (l *Loop[R]) Notify(ev Event, fn Listener[R]) ListenerID {
	return l.register(ev, fn, false)
}

// Off removes a listener. It reports whether the listener was registered.
func (l *Loop[R]) Off(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ln := range l.listeners {
		if ln.id == id {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Loop[R]) register(ev Event, fn Listener[R], once bool) ListenerID {
	id := ListenerID(uuid.NewString())
	l.mu.Lock()
	l.listeners = append(l.listeners, listener[R]{id: id, event: ev, fn: fn, once: once})
	l.mu.Unlock()
	return id
}

func (l *Loop[R]) emit(ev Event, res R, err error) {
	l.mu.Lock()
	var fns []Listener[R]
	kept := l.listeners[:0]
	for _, ln := range l.listeners {
		if ln.event == ev {
			fns = append(fns, ln.fn)
			if ln.once {
				continue
			}
		}
		kept = append(kept, ln)
	}
	clear(l.listeners[len(kept):])
	l.listeners = kept
	l.mu.Unlock()
	for _, fn := range fns {
		fn(l, res, err)
	}
}

// halt stops the loop. Unless force is set it only does so while gen is still
// the active cycle chain.
func (l *Loop[R]) halt(gen uint64, force bool) bool {
	l.mu.Lock()
	if l.state == StateStopped || (!force && l.gen != gen) {
		l.mu.Unlock()
		return false
	}
	l.state = StateStopped
	l.gen++
	cancel := l.cancelWait
	l.cancelWait = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	metrics.RunningLoops.Dec()
	var zero R
	l.emit(EventStopped, zero, nil)
	return true
}

func (l *Loop[R]) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateRunning && l.gen == gen
}

func (l *Loop[R]) run(ctx context.Context, gen uint64, immediate bool) {
	defer l.wg.Done()
	if !immediate {
		if err := duration.Sleep(ctx, l.Delay()); err != nil {
			return
		}
	}
	for {
		l.inflight.Lock()
		if !l.current(gen) {
			l.inflight.Unlock()
			return
		}
		res, err := l.invoke(l.ctx, "Loop.Cycle")
		metrics.LoopCycles.WithLabelValues(l.cfg.name).Inc()
		l.emit(EventExecuted, res, err)
		l.inflight.Unlock()
		if err != nil && l.cfg.stopOnError {
			l.halt(gen, false)
			return
		}
		if !l.current(gen) {
			return
		}
		if err := duration.Sleep(ctx, l.Delay()); err != nil {
			return
		}
	}
}

func (l *Loop[R]) invoke(ctx context.Context, op string) (res R, err error) {
	if l.cfg.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, op, trace.WithAttributes(attribute.String("perish.loop.name", l.cfg.name)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", perisherrors.ErrCallbackPanicked, r)
		}
		if err != nil {
			metrics.LoopFailures.WithLabelValues(l.cfg.name).Inc()
			l.cfg.logger.Warn("perish: loop callback failed", "loop", l.cfg.name, "op", op, "error", err)
		}
	}()
	return l.fn(ctx, l)
}
