package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/arbiter"
	"github.com/AaronLay10/SentientSequencer/internal/runlog"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
)

func TestSingleZeroEndToEnd(t *testing.T) {
	h := newHarness(t, testSequence(3, 0.004), nil, nil)

	if err := h.orch.Start(NewPlan(SingleZero, false, false, false)); err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	want := []string{
		"Inactive->StartingRun",
		"StartingRun->Running",
		"Running->FinishedRun",
	}
	if got := h.status.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if !h.orch.Result() {
		t.Errorf("expected success, last error: %v", h.orch.LastError())
	}
	if h.orch.ErrorDetected() {
		t.Error("unexpected error flag")
	}
	recs := h.writer.records()
	if len(recs) != 1 {
		t.Fatalf("expected exactly one run log record, got %d", len(recs))
	}
	if recs[0].Iteration != 0 || recs[0].Variables["Double"] != 0 {
		t.Errorf("unexpected record: %+v", recs[0])
	}
	if recs[0].RunID != h.orch.RunID() {
		t.Errorf("record run id %q, want %q", recs[0].RunID, h.orch.RunID())
	}
	if h.orch.Status() != FinishedRun {
		t.Errorf("status = %s, want FinishedRun", h.orch.Status())
	}
	if h.gateway.count(servers.StepRunSuccess) != 1 {
		t.Error("expected one run success poll")
	}
	if len(h.listener.started) != 1 {
		t.Errorf("listener saw %d iterations, want 1", len(h.listener.started))
	}
	if h.eventCount("iteration.completed") != 1 {
		t.Error("expected an iteration.completed event")
	}
}

func TestFullListRunsEveryIteration(t *testing.T) {
	h := newHarness(t, testSequence(4, 0.002), nil, nil)

	if err := h.orch.Start(NewPlan(FullList, false, false, false)); err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	if !h.orch.Result() {
		t.Fatalf("run failed: %v", h.orch.LastError())
	}
	recs := h.writer.records()
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	for i, r := range recs {
		if r.Iteration != i {
			t.Errorf("record %d has iteration %d", i, r.Iteration)
		}
		if want := float64(i * 10 * 2); r.Variables["Double"] != want {
			t.Errorf("record %d Double = %v, want %v", i, r.Variables["Double"], want)
		}
	}
	if h.orch.deps.Sequence.Cursor() != 3 {
		t.Errorf("cursor = %d, want 3", h.orch.deps.Sequence.Cursor())
	}
}

func TestContinueListStartsAtCursor(t *testing.T) {
	seq := testSequence(5, 0.002)
	if !seq.TryLock() {
		t.Fatal(seq.LockError())
	}
	seq.SetCursor(3)
	h := newHarness(t, seq, nil, nil)

	if err := h.orch.Start(NewPlan(ContinueList, false, false, false)); err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	recs := h.writer.records()
	if len(recs) != 2 || recs[0].Iteration != 3 || recs[1].Iteration != 4 {
		t.Errorf("unexpected iterations: %d records", len(recs))
	}
}

func TestCalibrationShotsInterleaved(t *testing.T) {
	seq := testSequence(5, 0.002)
	seq.Calibration = sequence.Calibration{Enabled: true, RunEveryN: true, N: 2, Sequence: calibrationSequence(t)}
	h := newHarness(t, seq, nil, nil)

	if err := h.orch.Start(NewPlan(FullList, false, false, false)); err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	if !h.orch.Result() {
		t.Fatalf("run failed: %v", h.orch.LastError())
	}
	if got := h.writer.calibrations(); got != 3 {
		t.Errorf("calibration shots = %d, want 3", got)
	}
	if got := len(h.writer.records()); got != 8 {
		t.Errorf("records = %d, want 8", got)
	}
	if !h.writer.records()[0].Calibration {
		t.Error("expected the calibration shot before index 0")
	}
}

func TestUnlockedCalibrationSequenceStopsRun(t *testing.T) {
	seq := testSequence(3, 0.002)
	cal := &sequence.Sequence{Name: "cal", Timesteps: []*sequence.Timestep{{Name: "c", Duration: 0.001, Enabled: true}}}
	seq.Calibration = sequence.Calibration{Enabled: true, RunFirst: true, Sequence: cal}
	h := newHarness(t, seq, nil, nil)

	h.orch.Start(NewPlan(FullList, false, false, false))
	h.wait(t)

	if h.orch.Result() {
		t.Fatal("expected failure")
	}
	if !IsKind(h.orch.LastError(), KindPrecondition) {
		t.Errorf("last error = %v, want precondition", h.orch.LastError())
	}
	if len(h.writer.records()) != 0 {
		t.Error("no iteration should run after a failed calibration shot")
	}
}

func TestRandomOrderVisitsEachOnce(t *testing.T) {
	h := newHarness(t, testSequence(6, 0.002), nil, nil)

	h.orch.Start(NewPlan(RandomOrder, false, false, false))
	h.wait(t)

	seen := make(map[int]bool)
	for _, r := range h.writer.records() {
		if seen[r.Iteration] {
			t.Fatalf("iteration %d ran twice", r.Iteration)
		}
		seen[r.Iteration] = true
	}
	if len(seen) != 6 {
		t.Errorf("visited %d iterations, want 6", len(seen))
	}
}

func TestMissingRequiredServerIsPrecondition(t *testing.T) {
	h := newHarness(t, testSequence(2, 0.002), nil, nil)
	h.gateway.missing = []string{"dds-1"}

	h.orch.Start(NewPlan(SingleZero, false, false, false))
	h.wait(t)

	if h.orch.Result() {
		t.Fatal("expected failure")
	}
	if !IsKind(h.orch.LastError(), KindPrecondition) {
		t.Errorf("last error = %v", h.orch.LastError())
	}
	if h.gateway.total() != 0 {
		t.Errorf("expected no remote calls, got %d", h.gateway.total())
	}
	if !h.orch.ErrorDetected() {
		t.Error("expected error flag")
	}
	if h.orch.Status() != FinishedRun {
		t.Errorf("status = %s", h.orch.Status())
	}
	if h.eventCount("run.log") == 0 {
		t.Error("expected a log line for the failure")
	}

	h.orch.ClearError()
	if h.orch.ErrorDetected() || h.orch.LastError() != nil {
		t.Error("ClearError should reset the flag")
	}
}

func TestLockFailureIsPrecondition(t *testing.T) {
	seq := testSequence(2, 0.002)
	seq.Variables = append(seq.Variables, &sequence.Variable{Name: "Orphan", ListDriven: true, ListNumber: 4})
	h := newHarness(t, seq, nil, nil)

	h.orch.Start(NewPlan(SingleZero, false, false, false))
	h.wait(t)

	if !IsKind(h.orch.LastError(), KindPrecondition) {
		t.Errorf("last error = %v, want precondition", h.orch.LastError())
	}
	if h.gateway.total() != 0 {
		t.Error("expected no remote calls")
	}
}

func TestSavePathPrecondition(t *testing.T) {
	h := newHarness(t, testSequence(2, 0.002), nil, func(d *Deps) {
		d.Settings.SavePath = filepath.Join(t.TempDir(), "missing")
	})

	h.orch.Start(NewPlan(SingleZero, false, false, false))
	h.wait(t)

	if !IsKind(h.orch.LastError(), KindPrecondition) {
		t.Errorf("last error = %v, want precondition", h.orch.LastError())
	}
}

func TestRemoteFailureStopsRun(t *testing.T) {
	h := newHarness(t, testSequence(3, 0.002), nil, nil)
	h.gateway.setFail(servers.StepSequence, servers.FailedTimeout)

	h.orch.Start(NewPlan(FullList, false, false, false))
	h.wait(t)

	re := h.orch.LastError()
	if re == nil || re.Kind != KindRemote || re.Step != string(servers.StepSequence) {
		t.Fatalf("last error = %+v", re)
	}
	if h.gateway.count(servers.StepArmTasks) != 0 {
		t.Error("no step after the failed one may run")
	}
	if h.gateway.count(servers.StepTimestamp) != 1 {
		t.Error("run must stop after the first failed iteration")
	}
}

func TestUnderrunIsFatal(t *testing.T) {
	h := newHarness(t, testSequence(3, 0.002), nil, nil)
	h.gateway.setFail(servers.StepRunSuccess, servers.FailedBufferUnderrun)

	h.orch.Start(NewPlan(FullList, false, false, false))
	h.wait(t)

	if !IsKind(h.orch.LastError(), KindUnderrun) {
		t.Errorf("last error = %v, want underrun", h.orch.LastError())
	}
	if len(h.writer.records()) != 0 {
		t.Error("no run log should be written for a failed run")
	}
}

func TestSoftFailuresDoNotStopRun(t *testing.T) {
	seq := testSequence(2, 0.002)
	seq.Variables = append(seq.Variables, &sequence.Variable{Name: "Broken", Derived: true, Formula: "1/0"})
	h := newHarness(t, seq, nil, func(d *Deps) {
		d.Sinks = []runlog.Sink{failingSink{}}
	})
	h.gateway.setFail(servers.StepSaveSettings, servers.FailedRemoteError)

	h.orch.Start(NewPlan(FullList, false, false, false))
	h.wait(t)

	if !h.orch.Result() {
		t.Fatalf("soft failures must not fail the run: %v", h.orch.LastError())
	}
	if !h.orch.ErrorDetected() {
		t.Error("expected the sticky error flag")
	}
	if got := len(h.writer.records()); got != 2 {
		t.Errorf("records = %d, want 2", got)
	}
	if v := h.writer.records()[0].Variables["Broken"]; v != 0 {
		t.Errorf("failed formula = %v, want 0", v)
	}
}

func TestRunLogWriteFailureIsSoft(t *testing.T) {
	h := newHarness(t, testSequence(1, 0.002), nil, nil)
	h.writer.err = runlog.ErrLogExists

	h.orch.Start(NewPlan(SingleZero, false, false, false))
	h.wait(t)

	if !h.orch.Result() || !h.orch.ErrorDetected() {
		t.Errorf("result=%v errorDetected=%v, want true/true", h.orch.Result(), h.orch.ErrorDetected())
	}
}

func TestSeqModeApplied(t *testing.T) {
	seq := testSequence(1, 0.002)
	seq.Variables = append(seq.Variables, &sequence.Variable{Name: SeqModeVariable, Value: 0.9})
	seq.Modes = []*sequence.Mode{
		{Name: "a", Timesteps: map[string]bool{"shot": true}},
		{Name: "b", Timesteps: map[string]bool{"shot": false}},
	}
	h := newHarness(t, seq, nil, nil)

	h.orch.Start(NewPlan(SingleZero, false, false, false))
	h.wait(t)

	if seq.Timesteps[1].Enabled {
		t.Error("expected mode 1 to disable the shot step")
	}
	if h.orch.ErrorDetected() {
		t.Error("valid mode should not flag an error")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	h := newHarness(t, testSequence(2, 30), nil, nil)

	h.orch.Start(NewPlan(FullList, false, false, false))
	waitFor(t, "Running", func() bool { return h.orch.Status() == Running })

	h.orch.Abort()
	h.orch.Abort()

	if h.orch.Status() != FinishedRun {
		t.Errorf("status = %s after abort", h.orch.Status())
	}
	h.wait(t)
	h.orch.Abort()

	if h.orch.Status() != FinishedRun {
		t.Errorf("status = %s after late abort", h.orch.Status())
	}
	if h.orch.Result() {
		t.Error("aborted run must not report success")
	}
	if h.gateway.count(servers.StepStopAll) != 1 {
		t.Errorf("StopAll calls = %d, want 1", h.gateway.count(servers.StepStopAll))
	}
	if h.dwell.count() != 1 {
		t.Errorf("dwell outputs = %d, want 1", h.dwell.count())
	}
	if h.listener.aborted != 1 {
		t.Errorf("listener aborts = %d, want 1", h.listener.aborted)
	}
	if len(h.writer.records()) != 0 {
		t.Error("aborted iteration must not write a run log")
	}
	if h.orch.ErrorDetected() {
		t.Error("abort is not an error")
	}
}

func TestAbortAfterCompletion(t *testing.T) {
	h := newHarness(t, testSequence(1, 0.002), nil, nil)
	h.orch.Start(NewPlan(SingleZero, false, false, false))
	h.wait(t)

	h.orch.Abort()
	h.orch.Abort()

	if h.orch.Status() != FinishedRun {
		t.Errorf("status = %s", h.orch.Status())
	}
	if !h.orch.Result() {
		t.Error("abort after completion must not change the result")
	}
	if h.gateway.count(servers.StepStopAll) != 0 {
		t.Error("no remote stop expected after completion")
	}
}

func TestAbortWithoutRun(t *testing.T) {
	h := newHarness(t, testSequence(1, 0.002), nil, nil)
	h.orch.Abort()
	if h.orch.Status() != FinishedRun {
		t.Errorf("status = %s", h.orch.Status())
	}
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t, testSequence(2, 30), nil, nil)
	h.orch.Start(NewPlan(SingleZero, false, false, false))
	waitFor(t, "Running", func() bool { return h.orch.Status() == Running })

	if err := h.orch.Start(NewPlan(SingleZero, false, false, false)); err != ErrRunInProgress {
		t.Errorf("Start = %v, want ErrRunInProgress", err)
	}
	h.orch.Abort()
	h.wait(t)

	h.orch.deps.Sequence.Timesteps[0].Duration = 0.001
	h.orch.deps.Sequence.Timesteps[1].Duration = 0.001
	if err := h.orch.Start(NewPlan(SingleZero, false, false, false)); err != nil {
		t.Fatalf("restart from FinishedRun: %v", err)
	}
	h.wait(t)
	if !h.orch.Result() {
		t.Errorf("restart failed: %v", h.orch.LastError())
	}
}

func TestRepeatStopsAfterCurrent(t *testing.T) {
	h := newHarness(t, testSequence(2, 0.002), nil, nil)
	h.orch.Start(NewPlan(SingleCurrent, true, false, false))

	waitFor(t, "three iterations", func() bool { return len(h.writer.records()) >= 3 })
	h.orch.AbortAfterCurrent()
	h.wait(t)

	if !h.orch.Result() {
		t.Errorf("repeat stopped by request should succeed: %v", h.orch.LastError())
	}
	if h.gateway.count(servers.StepStopAll) != 0 {
		t.Error("stop after current is not an abort")
	}
}

func TestForegroundWaitsForBackground(t *testing.T) {
	arb := arbiter.New(2 * time.Millisecond)
	bg := newHarness(t, testSequence(1, 0.02), arb, nil)
	fg := newHarness(t, testSequence(1, 0.002), arb, nil)

	if err := bg.orch.Start(NewPlan(SingleZero, false, true, false)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "background registration", arb.Active)

	if err := fg.orch.Start(NewPlan(SingleZero, false, false, false)); err != nil {
		t.Fatal(err)
	}
	bg.wait(t)
	fg.wait(t)

	if !bg.orch.Result() {
		t.Errorf("background run should stop cleanly: %v", bg.orch.LastError())
	}
	if !fg.orch.Result() {
		t.Errorf("foreground run failed: %v", fg.orch.LastError())
	}
	if arb.Active() {
		t.Error("background slot should be released")
	}

	want := []string{
		"Inactive->StartingRun",
		"StartingRun->ClosableOnly",
		"ClosableOnly->StartingRun",
		"StartingRun->Running",
		"Running->FinishedRun",
	}
	if got := fg.status.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("foreground transitions = %v, want %v", got, want)
	}
}

func TestSecondBackgroundRunRejected(t *testing.T) {
	arb := arbiter.New(2 * time.Millisecond)
	first := newHarness(t, testSequence(1, 0.02), arb, nil)
	second := newHarness(t, testSequence(1, 0.002), arb, nil)

	first.orch.Start(NewPlan(SingleZero, false, true, false))
	waitFor(t, "background registration", arb.Active)

	second.orch.Start(NewPlan(SingleZero, false, true, false))
	second.wait(t)

	re := second.orch.LastError()
	if re == nil || re.Kind != KindPrecondition {
		t.Fatalf("last error = %v", re)
	}
	if re.Cause != arbiter.ErrBackgroundActive {
		t.Errorf("cause = %v, want ErrBackgroundActive", re.Cause)
	}

	first.orch.AbortAfterCurrent()
	first.wait(t)
}

func TestBackgroundRejectedDuringForegroundRun(t *testing.T) {
	arb := arbiter.New(2 * time.Millisecond)
	seq := testSequence(1, 0.3)
	fg := newHarness(t, seq, arb, nil)
	bg := newHarness(t, seq, arb, func(d *Deps) { d.Gateway = fg.gateway })

	if err := fg.orch.Start(NewPlan(SingleZero, false, false, false)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "foreground running", func() bool { return fg.orch.Status() == Running })

	if err := bg.orch.Start(NewPlan(SingleZero, false, true, false)); !errors.Is(err, arbiter.ErrForegroundActive) {
		t.Fatalf("background start err = %v, want ErrForegroundActive", err)
	}
	if arb.Active() {
		t.Error("background slot must stay empty during a foreground run")
	}
	if bg.orch.Status() != Inactive {
		t.Errorf("background status = %s, want Inactive", bg.orch.Status())
	}

	fg.wait(t)
	if got := fg.gateway.count(servers.StepTriggers); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}
	if arb.ForegroundActive() {
		t.Error("foreground must release the servers when the run ends")
	}

	if err := bg.orch.Start(NewPlan(SingleZero, false, true, false)); err != nil {
		t.Fatalf("background start after foreground: %v", err)
	}
	waitFor(t, "background registration", arb.Active)
	bg.orch.AbortAfterCurrent()
	bg.wait(t)
}

func TestStopAfterCurrentSkipsPendingCalibration(t *testing.T) {
	seq := testSequence(4, 0.002)
	seq.Calibration = sequence.Calibration{Enabled: true, RunEveryN: true, N: 1, Sequence: calibrationSequence(t)}
	var h *harness
	h = newHarness(t, seq, nil, func(d *Deps) {
		d.Listeners = append(d.Listeners, stopAtIteration{index: 1, stop: func() { h.orch.AbortAfterCurrent() }})
	})

	if err := h.orch.Start(NewPlan(FullList, false, false, false)); err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	if !h.orch.Result() {
		t.Fatalf("run failed: %v", h.orch.LastError())
	}
	var got []string
	for _, r := range h.writer.records() {
		if r.Calibration {
			got = append(got, "cal")
			if r.Iteration != 0 {
				t.Errorf("calibration shot bound at iteration %d, want 0", r.Iteration)
			}
			continue
		}
		got = append(got, fmt.Sprint(r.Iteration))
	}
	if want := []string{"cal", "0", "1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
}

func TestAbortBeforeClockStartIsNotAnError(t *testing.T) {
	h := newHarness(t, testSequence(1, 0.002), nil, func(d *Deps) { d.Dwell = nil })
	seq := h.orch.deps.Sequence
	seq.TryLock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gateway.onTriggers = func() {
		cancel()
		h.orch.clock.Abort()
	}

	if h.orch.ExecuteIteration(ctx, 0, seq, false) {
		t.Fatal("aborted iteration must not succeed")
	}
	if h.orch.ErrorDetected() {
		t.Errorf("abort before clock start set the error flag: %v", h.orch.LastError())
	}
}

func TestWarningsUseWarningLevel(t *testing.T) {
	h := newHarness(t, testSequence(1, 0.002), nil, nil)
	h.orch.warn("Analog input check reported a warning.")

	var level string
	for _, e := range h.bus.Snapshot() {
		if e.Name == "run.log" {
			level = e.Level
		}
	}
	if level != "warning" {
		t.Errorf("level = %q, want warning", level)
	}
}

func TestProgressEventsNameActiveStep(t *testing.T) {
	h := newHarness(t, testSequence(1, 0.3), nil, nil)
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	h.orch.Start(NewPlan(SingleZero, false, false, false))

	var step string
	deadline := time.After(5 * time.Second)
	for step == "" {
		select {
		case e := <-sub:
			if e.Name == "run.progress" {
				step, _ = e.Fields["step"].(string)
			}
		case <-deadline:
			t.Fatal("no progress event")
		}
	}
	if step != "idle" && step != "shot" {
		t.Errorf("progress step = %q", step)
	}
	h.wait(t)
}

func TestSingleCalibrationPlan(t *testing.T) {
	seq := testSequence(2, 0.002)
	seq.Calibration = sequence.Calibration{Sequence: calibrationSequence(t)}
	h := newHarness(t, seq, nil, nil)

	h.orch.Start(NewPlan(SingleZero, false, false, true))
	h.wait(t)

	recs := h.writer.records()
	if len(recs) != 1 || !recs[0].Calibration || recs[0].Sequence != "cal" {
		t.Fatalf("expected one calibration record, got %d", len(recs))
	}
}

func TestExecuteIterationRecoversPanic(t *testing.T) {
	h := newHarness(t, testSequence(1, 0.002), nil, func(d *Deps) {
		d.Listeners = []IterationListener{panickingListener{}}
		d.Dwell = nil
	})
	seq := h.orch.deps.Sequence
	seq.TryLock()
	// listener panics are contained, the iteration still completes
	if !h.orch.ExecuteIteration(context.Background(), 0, seq, false) {
		t.Fatalf("iteration failed: %v", h.orch.LastError())
	}
}

type panickingListener struct{}

func (panickingListener) IterationStarted(context.Context, IterationInfo) { panic("camera offline") }
func (panickingListener) RunAborted(context.Context)                      {}
