// Package runner drives runs: it selects iterations, interleaves calibration
// shots, executes each iteration against the servers and the clock, and
// publishes status, progress and log lines.
package runner

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/arbiter"
	"github.com/AaronLay10/SentientSequencer/internal/clock"
	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
	"github.com/AaronLay10/SentientSequencer/internal/telemetry"
)

// progressInterval throttles run.progress events.
const progressInterval = 100 * time.Millisecond

// abortTimeout bounds the remote stop and dwell output issued by Abort.
const abortTimeout = 10 * time.Second

// StatusObserver is called for every accepted status transition, in order.
type StatusObserver func(from, to Status)

// Orchestrator runs one invocation at a time. Start, Abort and the status
// accessors are safe for concurrent use.
type Orchestrator struct {
	deps      Deps
	lists     ListLocker
	sequencer *servers.Sequencer
	clock     *clock.Coordinator
	tracer    *telemetry.Tracer
	bus       *events.Bus
	rng       *rand.Rand
	rngMu     sync.Mutex

	// statusMu serialises transitions and their notifications.
	statusMu  sync.Mutex
	status    atomic.Int32
	observers []StatusObserver

	mu      sync.Mutex
	current *invocation
	lastErr *RunError

	errorDetected atomic.Bool
	active        atomic.Pointer[sequence.Sequence]

	progressMu   sync.Mutex
	lastProgress time.Time
	lastPriority int
}

type invocation struct {
	id      string
	plan    *Plan
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool
	result  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCoordinator replaces the clock coordinator built from Settings.Clock.
func WithCoordinator(c *clock.Coordinator) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithRand seeds random-order selection.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

// WithStatusObserver registers fn for status transitions.
func WithStatusObserver(fn StatusObserver) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// New creates an idle orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{deps: deps}
	for _, opt := range opts {
		opt(o)
	}

	o.lists = deps.Lists
	if o.lists == nil && deps.Sequence != nil {
		o.lists = deps.Sequence
	}
	o.bus = deps.Events
	if o.bus == nil {
		o.bus = events.NewBus()
	}
	o.tracer = deps.Tracer
	if o.tracer == nil {
		o.tracer = telemetry.Noop()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.clock == nil {
		o.clock = clock.NewCoordinator(deps.Settings.Clock, deps.ClockFeed)
	}
	o.clock.OnProgress(o.onProgress)

	seqOpts := []servers.SequencerOption{
		servers.WithReporter(reporter{o}),
		servers.WithObserver(o.onStep),
	}
	o.sequencer = servers.NewSequencer(deps.Gateway, deps.Confirmer, seqOpts...)
	return o
}

// Events returns the bus the orchestrator publishes to.
func (o *Orchestrator) Events() *events.Bus {
	return o.bus
}

// OnStatus registers fn for status transitions.
func (o *Orchestrator) OnStatus(fn StatusObserver) {
	o.statusMu.Lock()
	o.observers = append(o.observers, fn)
	o.statusMu.Unlock()
}

// Status returns the current lifecycle status.
func (o *Orchestrator) Status() Status {
	return Status(o.status.Load())
}

// ErrorDetected reports the sticky error flag.
func (o *Orchestrator) ErrorDetected() bool {
	return o.errorDetected.Load()
}

// ClearError resets the sticky error flag.
func (o *Orchestrator) ClearError() {
	o.errorDetected.Store(false)
	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()
}

// LastError returns the most recent fatal failure, or nil.
func (o *Orchestrator) LastError() *RunError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// RunID returns the ID of the current or last invocation.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ""
	}
	return o.current.id
}

// Plan returns the plan of the current or last invocation.
func (o *Orchestrator) Plan() *Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	return o.current.plan
}

// Done is closed when the current invocation's worker exits. With no
// invocation it returns a closed channel.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.current.done
}

// Wait blocks until the current invocation's worker exits or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result reports whether the last finished invocation ran every iteration
// successfully.
func (o *Orchestrator) Result() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil && o.current.result
}

// Start launches plan on a new worker and returns immediately.
func (o *Orchestrator) Start(plan *Plan) error {
	if o.deps.Sequence == nil {
		return ErrNoSequence
	}
	if plan.Background && o.deps.Arbiter != nil && o.deps.Arbiter.ForegroundActive() {
		return arbiter.ErrForegroundActive
	}

	o.mu.Lock()
	if o.current != nil && !closed(o.current.done) {
		o.mu.Unlock()
		return ErrRunInProgress
	}
	ctx, cancel := context.WithCancel(context.Background())
	inv := &invocation{
		id:      uuid.NewString(),
		plan:    plan,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	plan.setID(inv.id)
	o.current = inv
	o.mu.Unlock()

	if !o.setStatus(StartingRun) {
		o.mu.Lock()
		close(inv.done)
		o.mu.Unlock()
		cancel()
		return ErrRunInProgress
	}

	logging.Info("run starting",
		zap.String("run_id", inv.id),
		zap.String("ordering", plan.Ordering.String()),
		zap.Bool("repeat", plan.Repeat),
		zap.Bool("background", plan.Background),
		zap.Bool("calibration", plan.Calibration))
	o.emit("info", "run.started", "", map[string]interface{}{
		"run_id":      inv.id,
		"ordering":    plan.Ordering.String(),
		"repeat":      plan.Repeat,
		"background":  plan.Background,
		"calibration": plan.Calibration,
	})

	go o.work(ctx, inv)
	return nil
}

// AbortAfterCurrent asks the current invocation to stop at the next
// iteration boundary.
func (o *Orchestrator) AbortAfterCurrent() {
	if p := o.Plan(); p != nil {
		p.AbortAfterCurrent()
		o.logLine("info", "Run will stop after the current iteration.")
	}
}

// Abort stops the current invocation: it marks the plan, disarms the clock,
// stops every server, outputs the dwell step, notifies listeners and moves to
// FinishedRun. It never waits for the worker and is safe to call repeatedly.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	inv := o.current
	live := inv != nil && !inv.aborted && !closed(inv.done)
	if inv != nil {
		inv.aborted = true
		inv.plan.AbortAfterCurrent()
		inv.cancel()
	}
	o.mu.Unlock()

	o.clock.Abort()

	if live {
		o.logLine("warning", "Run aborted by operator.")

		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()

		o.sequencer.StopAll(ctx)
		o.outputDwell(ctx)
		for _, l := range o.deps.Listeners {
			notifyAborted(ctx, l)
		}
		o.emit("warning", "run.aborted", "", map[string]interface{}{"run_id": inv.id})
	}

	o.setStatus(FinishedRun)
}

func (o *Orchestrator) outputDwell(ctx context.Context) {
	if o.deps.Dwell == nil {
		return
	}
	seq := o.active.Load()
	if seq == nil {
		seq = o.deps.Sequence
	}
	step := seq.Dwell()
	if step == nil {
		return
	}
	if o.deps.Dwell.OutputNow(ctx, step) {
		o.logLine("info", "Output dwell step "+step.Name+".")
	} else {
		o.logLine("warning", "Unable to output dwell step "+step.Name+".")
	}
}

func notifyAborted(ctx context.Context, l IterationListener) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("iteration listener panicked", zap.Any("panic", r))
		}
	}()
	l.RunAborted(ctx)
}

// setStatus applies a transition and notifies observers. Transitions other
// than FinishedRun are refused once the invocation is aborted.
func (o *Orchestrator) setStatus(to Status) bool {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	o.mu.Lock()
	aborted := o.current != nil && o.current.aborted
	runID := ""
	if o.current != nil {
		runID = o.current.id
	}
	o.mu.Unlock()

	if aborted && to != FinishedRun {
		return false
	}

	from := o.Status()
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		logging.Warn("rejected run status transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return false
	}
	o.status.Store(int32(to))

	for _, fn := range o.observers {
		fn(from, to)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.SetRunStatus(to.String(), StatusNames())
	}
	o.emit("info", "run.status", "", map[string]interface{}{
		"run_id": runID,
		"from":   from.String(),
		"status": to.String(),
	})
	return true
}

func (o *Orchestrator) work(ctx context.Context, inv *invocation) {
	ok := false
	defer func() {
		if r := recover(); r != nil {
			o.fail(&RunError{Kind: KindInternal, Message: "Run stopped unexpectedly.", Cause: panicError{r}})
			ok = false
		}
		o.finish(inv, ok)
	}()

	ctx, span := o.tracer.StartRunSpan(ctx, inv.id, inv.plan.Ordering.String())
	defer span.End()

	ok = o.execute(ctx, inv)
	if !ok {
		if re := o.LastError(); re != nil {
			telemetry.RecordError(span, re, re.Kind.String())
		}
	}
}

func (o *Orchestrator) finish(inv *invocation, ok bool) {
	o.mu.Lock()
	aborted := inv.aborted
	inv.result = ok && !aborted
	o.mu.Unlock()

	o.active.Store(nil)
	o.setStatus(FinishedRun)

	result := "completed"
	switch {
	case aborted:
		result = "aborted"
	case !ok:
		result = "error"
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RunFinished(inv.plan.Ordering.String(), result)
	}
	logging.Info("run finished",
		zap.String("run_id", inv.id),
		zap.String("result", result),
		zap.Duration("took", time.Since(inv.started)))
	o.emit("info", "run.finished", "", map[string]interface{}{
		"run_id":  inv.id,
		"result":  result,
		"success": inv.result,
	})

	inv.cancel()
	o.mu.Lock()
	close(inv.done)
	o.mu.Unlock()
}

// execute runs the lock check, background arbitration and every pass of the
// plan. It returns false on the first fatal failure or on abort.
func (o *Orchestrator) execute(ctx context.Context, inv *invocation) bool {
	plan := inv.plan

	if o.lists != nil && !o.lists.IsLocked() {
		if !o.lists.TryLock() {
			msg := "Unable to lock lists."
			if le, ok := o.lists.(interface{ LockError() string }); ok && le.LockError() != "" {
				msg += " " + le.LockError()
			}
			o.fail(&RunError{Kind: KindPrecondition, Message: msg})
			return false
		}
		o.logLine("info", "Lists locked.")
	}

	if arb := o.deps.Arbiter; arb != nil {
		if plan.Background {
			if err := arb.RegisterBackground(plan); err != nil {
				o.fail(&RunError{Kind: KindPrecondition, Message: "Unable to start background run.", Cause: err})
				return false
			}
			defer arb.ReleaseBackground(plan)
			o.emit("info", "background.registered", "", map[string]interface{}{"run_id": inv.id})
		} else {
			err := arb.AcquireForeground(ctx, inv.id, func() {
				o.logLine("info", "Waiting for the background run to finish its current iteration.")
				o.emit("info", "background.yield", "", map[string]interface{}{"run_id": inv.id})
				o.setStatus(ClosableOnly)
			})
			if errors.Is(err, arbiter.ErrForegroundActive) {
				o.fail(&RunError{Kind: KindPrecondition, Message: "Another foreground run holds the servers.", Cause: err})
				return false
			}
			if err != nil {
				o.fail(&RunError{Kind: KindAborted, Message: "Stopped waiting for the background run.", Cause: err})
				return false
			}
			defer arb.ReleaseForeground(inv.id)
			if o.Status() == ClosableOnly && !o.setStatus(StartingRun) {
				return false
			}
		}
	}

	seq := o.deps.Sequence
	calSeq := o.calibrationSequence()

	for pass := 0; ; pass++ {
		if pass > 0 {
			o.logLine("info", "Starting the list again.")
		}
		if !o.runPass(ctx, plan, seq, calSeq) {
			return false
		}
		if !plan.Background || plan.StopRequested() || ctx.Err() != nil {
			return ctx.Err() == nil
		}
	}
}

// runPass executes one pass of the plan's ordering.
func (o *Orchestrator) runPass(ctx context.Context, plan *Plan, seq, calSeq *sequence.Sequence) bool {
	if plan.Calibration {
		if calSeq == nil {
			o.fail(&RunError{Kind: KindPrecondition, Message: "No calibration sequence is loaded."})
			return false
		}
		seq = calSeq
	}

	schedule := seq.Calibration
	if plan.Calibration || calSeq == nil {
		schedule = sequence.Calibration{}
	}

	o.rngMu.Lock()
	rng := rand.New(rand.NewSource(o.rng.Int63()))
	o.rngMu.Unlock()

	sel := NewSelector(plan.Ordering, seq.IterationCount(), seq.Cursor(), schedule, plan.loops(), rng)
	executed := 0
	for {
		if ctx.Err() != nil {
			return false
		}
		step, more := sel.Next()
		if !more {
			return true
		}

		if executed > 0 && plan.StopRequested() {
			o.logLine("info", "Run stopped after the current iteration.")
			return true
		}

		if step.Calibration {
			o.logLine("info", "Running calibration shot.")
			if !o.ExecuteIteration(ctx, 0, calSeq, true) {
				o.logLine("error", "Calibration shot failed. Stopping run.")
				return false
			}
			continue
		}

		if !o.ExecuteIteration(ctx, step.Index, seq, plan.Calibration) {
			return false
		}
		executed++
	}
}

func (o *Orchestrator) calibrationSequence() *sequence.Sequence {
	if o.deps.Calibration != nil {
		return o.deps.Calibration
	}
	if o.deps.Sequence != nil {
		return o.deps.Sequence.Calibration.Sequence
	}
	return nil
}

// onProgress receives every accepted clock notification.
func (o *Orchestrator) onProgress(elapsed time.Duration, priority int) {
	o.progressMu.Lock()
	escalated := priority > o.lastPriority
	o.lastPriority = priority
	now := time.Now()
	if !escalated && now.Sub(o.lastProgress) < progressInterval {
		o.progressMu.Unlock()
		return
	}
	o.lastProgress = now
	o.progressMu.Unlock()

	runID := o.RunID()
	if escalated {
		o.emit("info", "clock.escalated", "", map[string]interface{}{
			"run_id":   runID,
			"priority": priority,
		})
	}

	fields := map[string]interface{}{
		"run_id":     runID,
		"elapsed_ms": elapsed.Milliseconds(),
		"priority":   priority,
	}
	if seq := o.active.Load(); seq != nil {
		if t := seq.StepAt(elapsed); t != nil {
			fields["step"] = t.Original().Name
		}
		fields["duration_ms"] = seq.Duration().Milliseconds()
	}
	o.emit("debug", "run.progress", "", fields)
}

func (o *Orchestrator) resetProgress() {
	o.progressMu.Lock()
	o.lastProgress = time.Time{}
	o.lastPriority = clock.PriorityLocal
	o.progressMu.Unlock()
}

func (o *Orchestrator) onStep(step servers.Step, status servers.ActionStatus, took time.Duration) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveStep(string(step), status.String(), took)
	}
	o.emit("debug", "server.step", "", map[string]interface{}{
		"run_id":  o.RunID(),
		"step":    string(step),
		"status":  status.String(),
		"took_ms": took.Milliseconds(),
	})
}

// fail records a fatal failure, sets the error flag and writes the log line.
func (o *Orchestrator) fail(re *RunError) {
	if re.Kind != KindAborted {
		o.errorDetected.Store(true)
	}
	o.mu.Lock()
	o.lastErr = re
	o.mu.Unlock()

	o.logLine("error", re.Error())
	fields := map[string]interface{}{
		"run_id":    o.RunID(),
		"kind":      re.Kind.String(),
		"iteration": re.Iteration,
	}
	if re.Step != "" {
		fields["step"] = re.Step
	}
	o.emit("error", "run.error", re.Error(), fields)
}

// warn logs a soft failure and sets the error flag.
func (o *Orchestrator) warn(msg string) {
	o.errorDetected.Store(true)
	o.logLine("warning", msg)
}

// logLine publishes a human-readable run log line.
func (o *Orchestrator) logLine(level, msg string) {
	runID := o.RunID()
	switch level {
	case "error":
		logging.Error(msg, zap.String("run_id", runID))
	case "warning":
		logging.Warn(msg, zap.String("run_id", runID))
	default:
		logging.Info(msg, zap.String("run_id", runID))
	}
	o.emit(level, "run.log", msg, map[string]interface{}{"run_id": runID})
}

func (o *Orchestrator) emit(level, name, msg string, fields map[string]interface{}) {
	if err := o.bus.Emit(level, name, msg, fields); err != nil {
		logging.Warn("event rejected", zap.String("event", name), zap.Error(err))
	}
}

// reporter adapts the orchestrator to servers.Reporter.
type reporter struct{ o *Orchestrator }

func (r reporter) Message(msg string) { r.o.logLine("info", msg) }
func (r reporter) Warning(msg string) { r.o.warn(msg) }

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

var _ arbiter.Background = (*Plan)(nil)
