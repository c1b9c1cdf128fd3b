package servers

import (
	"context"
	"sync"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/sequence"
)

// fakeGateway records the order of calls and returns configured statuses.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []Step
	statuses map[Step]ActionStatus
	panics   map[Step]bool
	missing  []string
	clockID  uint32

	// onSequence observes the sequence as pushed to servers.
	onSequence func(seq *sequence.Sequence)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses: make(map[Step]ActionStatus),
		panics:   make(map[Step]bool),
	}
}

func (f *fakeGateway) record(step Step) ActionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, step)
	if f.panics[step] {
		panic("gateway exploded")
	}
	return f.statuses[step]
}

func (f *fakeGateway) Calls() []Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Step(nil), f.calls...)
}

func (f *fakeGateway) SaveSettings(context.Context, string) ActionStatus {
	return f.record(StepSaveSettings)
}
func (f *fakeGateway) SetNextRunTimestamp(context.Context, time.Time) ActionStatus {
	return f.record(StepTimestamp)
}
func (f *fakeGateway) SetSettings(context.Context, *Settings) ActionStatus {
	return f.record(StepSettings)
}
func (f *fakeGateway) CheckAnalogInput(context.Context, *sequence.Sequence) ActionStatus {
	return f.record(StepAnalogCheck)
}
func (f *fakeGateway) SetSequence(_ context.Context, seq *sequence.Sequence) ActionStatus {
	if f.onSequence != nil {
		f.onSequence(seq)
	}
	return f.record(StepSequence)
}
func (f *fakeGateway) GenerateBuffers(context.Context, int) ActionStatus {
	return f.record(StepBuffers)
}
func (f *fakeGateway) ArmTasks(_ context.Context, id uint32) ActionStatus {
	f.mu.Lock()
	f.clockID = id
	f.mu.Unlock()
	return f.record(StepArmTasks)
}
func (f *fakeGateway) GenerateTriggers(context.Context) ActionStatus {
	return f.record(StepTriggers)
}
func (f *fakeGateway) GetRunSuccess(context.Context) ActionStatus {
	return f.record(StepRunSuccess)
}
func (f *fakeGateway) StopAll(context.Context) ActionStatus {
	return f.record(StepStopAll)
}
func (f *fakeGateway) UnconnectedRequired() []string {
	return f.missing
}

type recordingReporter struct {
	mu       sync.Mutex
	messages []string
	warnings []string
}

func (r *recordingReporter) Message(msg string) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recordingReporter) Warning(msg string) {
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
}
