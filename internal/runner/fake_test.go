package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/arbiter"
	"github.com/AaronLay10/SentientSequencer/internal/clock"
	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/runlog"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
)

type fakeGateway struct {
	mu         sync.Mutex
	calls      []servers.Step
	fail       map[servers.Step]servers.ActionStatus
	missing    []string
	onTriggers func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fail: make(map[servers.Step]servers.ActionStatus)}
}

func (g *fakeGateway) do(step servers.Step) servers.ActionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, step)
	if st, ok := g.fail[step]; ok {
		return st
	}
	return servers.Success
}

func (g *fakeGateway) setFail(step servers.Step, st servers.ActionStatus) {
	g.mu.Lock()
	g.fail[step] = st
	g.mu.Unlock()
}

func (g *fakeGateway) count(step servers.Step) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == step {
			n++
		}
	}
	return n
}

func (g *fakeGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) SaveSettings(context.Context, string) servers.ActionStatus {
	return g.do(servers.StepSaveSettings)
}
func (g *fakeGateway) SetNextRunTimestamp(context.Context, time.Time) servers.ActionStatus {
	return g.do(servers.StepTimestamp)
}
func (g *fakeGateway) SetSettings(context.Context, *servers.Settings) servers.ActionStatus {
	return g.do(servers.StepSettings)
}
func (g *fakeGateway) CheckAnalogInput(context.Context, *sequence.Sequence) servers.ActionStatus {
	return g.do(servers.StepAnalogCheck)
}
func (g *fakeGateway) SetSequence(context.Context, *sequence.Sequence) servers.ActionStatus {
	return g.do(servers.StepSequence)
}
func (g *fakeGateway) GenerateBuffers(context.Context, int) servers.ActionStatus {
	return g.do(servers.StepBuffers)
}
func (g *fakeGateway) ArmTasks(context.Context, uint32) servers.ActionStatus {
	return g.do(servers.StepArmTasks)
}
func (g *fakeGateway) GenerateTriggers(context.Context) servers.ActionStatus {
	st := g.do(servers.StepTriggers)
	if g.onTriggers != nil {
		g.onTriggers()
	}
	return st
}
func (g *fakeGateway) GetRunSuccess(context.Context) servers.ActionStatus {
	return g.do(servers.StepRunSuccess)
}
func (g *fakeGateway) StopAll(context.Context) servers.ActionStatus {
	return g.do(servers.StepStopAll)
}
func (g *fakeGateway) UnconnectedRequired() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.missing
}

type recordingWriter struct {
	mu   sync.Mutex
	recs []*runlog.Record
	err  error
}

func (w *recordingWriter) Write(rec *runlog.Record) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.recs = append(w.recs, rec)
	return fmt.Sprintf("run-%d.json", len(w.recs)), nil
}

func (w *recordingWriter) records() []*runlog.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*runlog.Record(nil), w.recs...)
}

func (w *recordingWriter) calibrations() int {
	n := 0
	for _, r := range w.records() {
		if r.Calibration {
			n++
		}
	}
	return n
}

type failingSink struct{}

func (failingSink) Name() string  { return "broken" }
func (failingSink) Verbose() bool { return true }
func (failingSink) Record(context.Context, string, *runlog.Record) error {
	return errors.New("connection refused")
}

type recordingDwell struct {
	mu    sync.Mutex
	steps []string
}

func (d *recordingDwell) OutputNow(_ context.Context, step *sequence.Timestep) bool {
	d.mu.Lock()
	d.steps = append(d.steps, step.Name)
	d.mu.Unlock()
	return true
}

func (d *recordingDwell) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.steps)
}

type recordingListener struct {
	mu      sync.Mutex
	started []IterationInfo
	aborted int
}

func (l *recordingListener) IterationStarted(_ context.Context, info IterationInfo) {
	l.mu.Lock()
	l.started = append(l.started, info)
	l.mu.Unlock()
}

// stopAtIteration calls stop when a regular iteration with the given index
// starts.
type stopAtIteration struct {
	index int
	stop  func()
}

func (s stopAtIteration) IterationStarted(_ context.Context, info IterationInfo) {
	if !info.Calibration && info.Iteration == s.index {
		s.stop()
	}
}

func (stopAtIteration) RunAborted(context.Context) {}

func (l *recordingListener) RunAborted(context.Context) {
	l.mu.Lock()
	l.aborted++
	l.mu.Unlock()
}

type transitionLog struct {
	mu  sync.Mutex
	log []string
}

func (t *transitionLog) observe(from, to Status) {
	t.mu.Lock()
	t.log = append(t.log, from.String()+"->"+to.String())
	t.mu.Unlock()
}

func (t *transitionLog) get() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

// testSequence has two lists of lengths n and 1 and runs for durSec seconds.
func testSequence(n int, durSec float64) *sequence.Sequence {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprint(i * 10)
	}
	return &sequence.Sequence{
		Name: "seq",
		Variables: []*sequence.Variable{
			{Name: "Detuning", ListDriven: true, ListNumber: 1},
			{Name: "Power", Value: 2},
			{Name: "Double", Derived: true, Formula: "Detuning * 2"},
		},
		Lists: []*sequence.List{
			{Enabled: true, Lines: lines},
		},
		Timesteps: []*sequence.Timestep{
			{Name: "idle", Duration: durSec / 2, Enabled: true},
			{Name: "shot", Duration: durSec / 2, Enabled: true},
		},
	}
}

func calibrationSequence(t *testing.T) *sequence.Sequence {
	t.Helper()
	cal := &sequence.Sequence{
		Name:      "cal",
		Timesteps: []*sequence.Timestep{{Name: "cal", Duration: 0.002, Enabled: true}},
	}
	if !cal.TryLock() {
		t.Fatalf("calibration lock: %s", cal.LockError())
	}
	return cal
}

type harness struct {
	orch     *Orchestrator
	gateway  *fakeGateway
	writer   *recordingWriter
	dwell    *recordingDwell
	listener *recordingListener
	status   *transitionLog
	bus      *events.Bus
}

func fastClock() clock.Config {
	return clock.Config{
		LocalResolution: time.Millisecond,
		Grace:           time.Millisecond,
		PollInterval:    time.Millisecond,
	}
}

func newHarness(t *testing.T, seq *sequence.Sequence, arb *arbiter.Arbiter, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		gateway:  newFakeGateway(),
		writer:   &recordingWriter{},
		dwell:    &recordingDwell{},
		listener: &recordingListener{},
		status:   &transitionLog{},
		bus:      events.NewBus(),
	}
	deps := Deps{
		Sequence:  seq,
		Gateway:   h.gateway,
		Confirmer: servers.StaticConfirmer(true),
		Dwell:     h.dwell,
		Writer:    h.writer,
		Arbiter:   arb,
		Listeners: []IterationListener{h.listener},
		Events:    h.bus,
		Settings: Settings{
			Station: "bench",
			Clock:   fastClock(),
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.orch = New(deps, WithStatusObserver(h.status.observe))
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

func (h *harness) eventCount(name string) int {
	n := 0
	for _, e := range h.bus.Snapshot() {
		if e.Name == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
