package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/clock"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/runlog"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
	"github.com/AaronLay10/SentientSequencer/internal/telemetry"
)

// SeqModeVariable names the variable that selects a sequence mode per iteration.
const SeqModeVariable = "SeqMode"

type panicError struct{ v interface{} }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }

// ExecuteIteration runs one iteration of seq: bind variables, expand loops,
// check preconditions, run the remote protocol, wait for the clock, poll for
// success and write the run log. It returns true only if every fatal step
// succeeded. Failures are logged before it returns.
func (o *Orchestrator) ExecuteIteration(ctx context.Context, index int, seq *sequence.Sequence, calibration bool) (ok bool) {
	started := time.Now()
	runID := o.RunID()

	ctx, span := o.tracer.StartIterationSpan(ctx, telemetry.IterationSpanOptions{
		RunID:       runID,
		Iteration:   index,
		Calibration: calibration,
		Sequence:    seq.Name,
	})
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.clock.Abort()
			logging.Error("iteration panicked", zap.String("run_id", runID), zap.Int("iteration", index), zap.Any("panic", r))
			o.fail(&RunError{Kind: KindInternal, Iteration: index, Message: fmt.Sprintf("Iteration %d failed unexpectedly.", index), Cause: panicError{r}})
			ok = false
		}
		if !ok {
			if re := o.LastError(); re != nil {
				telemetry.RecordError(span, re, re.Kind.String())
			}
			o.emit("error", iterationEvent(calibration, "failed"), "", map[string]interface{}{
				"run_id":    runID,
				"iteration": index,
			})
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.IterationFinished(calibration, ok, time.Since(started))
		}
	}()

	failf := func(kind Kind, step, format string, args ...interface{}) bool {
		o.fail(&RunError{Kind: kind, Iteration: index, Step: step, Message: fmt.Sprintf(format, args...)})
		return false
	}

	if ctx.Err() != nil || !o.setStatus(StartingRun) {
		return false
	}
	o.emit("info", iterationEvent(calibration, "started"), "", map[string]interface{}{
		"run_id":    runID,
		"iteration": index,
		"sequence":  seq.Name,
	})
	if calibration {
		o.logLine("info", fmt.Sprintf("Starting calibration shot of %s.", seq.Name))
	} else {
		o.logLine("info", fmt.Sprintf("Starting iteration %d of %d.", index, seq.IterationCount()))
	}

	if p := o.deps.Settings.SavePath; p != "" {
		if err := checkDir(p); err != nil {
			return failf(KindPrecondition, "", "Save path %s is not accessible: %v", p, err)
		}
	}
	if calibration && !seq.IsLocked() {
		return failf(KindPrecondition, "", "Calibration sequence lists are not locked. Lock them before running calibration shots.")
	}

	binding := seq.Bind(index, o.deps.Settings.Permanent)
	if s := binding.Summary(); s != "" {
		o.logLine("info", s)
	}
	for _, fe := range binding.FormulaErrors {
		o.warn(fe.Error() + ". Using 0.")
	}
	if !calibration {
		o.applySeqMode(seq)
	}

	if n := seq.CreateLoopCopies(); n > 0 {
		o.logLine("info", fmt.Sprintf("Expanded loop groups into %d timestep copies.", n))
	}
	defer seq.CleanupLoopCopies()

	if len(o.deps.Settings.Overridden) > 0 {
		o.logLine("info", "Reminder: overridden channels "+strings.Join(o.deps.Settings.Overridden, ", ")+".")
	}

	if missing := o.deps.Gateway.UnconnectedRequired(); len(missing) > 0 {
		return failf(KindPrecondition, "", "Required servers are not connected: %s.", strings.Join(missing, ", "))
	}

	duration := seq.Duration()
	info := IterationInfo{
		RunID:       runID,
		Iteration:   index,
		Calibration: calibration,
		Sequence:    seq.Name,
		Duration:    duration,
	}
	for _, l := range o.deps.Listeners {
		notifyStarted(ctx, l, info)
	}

	runStart := time.Now()
	o.resetProgress()
	res := o.sequencer.RunIterationProtocol(ctx, servers.Request{
		Sequence:     seq,
		Iteration:    index,
		StartTime:    runStart,
		Settings:     o.serverSettings(),
		SettingsPath: o.deps.Settings.ServerSettingsPath,
		TurnOff:      o.deps.Settings.TurnOff,
		BeforeArm: func(clockID uint32) error {
			if err := o.clock.Arm(clockID); err != nil {
				return err
			}
			o.emit("debug", "clock.armed", "", map[string]interface{}{"run_id": runID, "clock_id": clockID})
			return nil
		},
	})
	if !res.OK() {
		o.clock.Abort()
		if ctx.Err() != nil {
			return false
		}
		kind := KindRemote
		if res.FailedStep == servers.StepClockArm {
			kind = KindClock
		}
		o.fail(&RunError{Kind: kind, Iteration: index, Step: string(res.FailedStep), Message: "Run protocol failed at " + res.Reason(), Cause: res.Err})
		return false
	}

	if err := o.clock.Start(); err != nil {
		o.clock.Abort()
		if ctx.Err() != nil {
			return false
		}
		o.fail(&RunError{Kind: KindClock, Iteration: index, Step: "clock_start", Message: "Unable to start clock.", Cause: err})
		return false
	}
	o.active.Store(seq)
	if !o.setStatus(Running) {
		o.active.Store(nil)
		o.clock.Abort()
		return false
	}

	err := o.clock.WaitForCompletion(ctx, duration)
	o.active.Store(nil)
	o.clock.Abort()
	if err != nil {
		if errors.Is(err, clock.ErrAborted) || errors.Is(err, context.Canceled) {
			o.mu.Lock()
			o.lastErr = &RunError{Kind: KindAborted, Iteration: index, Message: "Run aborted.", Cause: err}
			o.mu.Unlock()
			return false
		}
		o.fail(&RunError{Kind: KindClock, Iteration: index, Message: "Clock wait failed.", Cause: err})
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	if st := o.sequencer.PollRunSuccess(ctx); !st.OK() {
		return failf(KindUnderrun, string(servers.StepRunSuccess), "Run %d failed, possibly due to a buffer underrun (%s).", index, st)
	}

	fileName := o.writeRunLog(ctx, seq, calibration, runStart, res.ClockID)
	o.emit("info", iterationEvent(calibration, "completed"), "", map[string]interface{}{
		"run_id":    runID,
		"iteration": index,
		"sequence":  seq.Name,
		"file":      fileName,
	})
	return true
}

// writeRunLog writes the record and forwards it to every sink. All failures
// here are soft.
func (o *Orchestrator) writeRunLog(ctx context.Context, seq *sequence.Sequence, calibration bool, runStart time.Time, clockID uint32) string {
	sessionStart := runStart
	o.mu.Lock()
	if o.current != nil {
		sessionStart = o.current.started
	}
	o.mu.Unlock()

	meta := runlog.Meta{
		RunID:        o.RunID(),
		Station:      o.deps.Settings.Station,
		SequenceFile: o.deps.Settings.SequenceFile,
		SettingsFile: o.deps.Settings.ServerSettingsPath,
		Calibration:  calibration,
		StartTime:    runStart,
		SessionStart: sessionStart,
		ClockID:      clockID,
	}
	if calibration {
		meta.SequenceFile = o.deps.Sequence.Calibration.File
	}
	rec := runlog.NewRecord(seq, meta)
	if o.deps.Settings.CollectHost {
		rec.Host = runlog.CollectHost(ctx)
	}

	var fileName string
	if o.deps.Writer != nil {
		name, err := o.deps.Writer.Write(rec)
		if err != nil {
			o.warn("Unable to write run log file. " + err.Error())
		} else {
			fileName = name
			o.logLine("info", "Run log written to "+name+".")
		}
	}

	results, lines := runlog.Dispatch(ctx, o.deps.Sinks, fileName, rec)
	for i, r := range results {
		if r.Err != nil {
			o.warn(lines[i])
			if o.deps.Metrics != nil {
				o.deps.Metrics.SinkFailed(r.Sink)
			}
			continue
		}
		o.logLine("info", lines[i])
	}
	return fileName
}

// applySeqMode applies the mode selected by the SeqMode variable, if any.
func (o *Orchestrator) applySeqMode(seq *sequence.Sequence) {
	v := seq.Variable(SeqModeVariable)
	if v == nil {
		return
	}
	idx := int(math.Round(v.Value))
	m, err := seq.ApplyMode(idx)
	if err != nil {
		o.warn(fmt.Sprintf("%s variable: %v.", SeqModeVariable, err))
		return
	}
	o.logLine("info", fmt.Sprintf("Applied sequence mode %d (%s).", idx, m.Name))
}

func (o *Orchestrator) serverSettings() *servers.Settings {
	s := o.deps.Settings
	return &servers.Settings{
		Station:               s.Station,
		PermanentVariables:    s.Permanent,
		OverriddenChannels:    s.Overridden,
		AlwaysUseNetworkClock: s.Clock.AlwaysUseNetworkClock,
	}
}

func notifyStarted(ctx context.Context, l IterationListener, info IterationInfo) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("iteration listener panicked", zap.Any("panic", r))
		}
	}()
	l.IterationStarted(ctx, info)
}

func iterationEvent(calibration bool, what string) string {
	if calibration {
		return "calibration." + what
	}
	return "iteration." + what
}

func checkDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("not a directory")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
