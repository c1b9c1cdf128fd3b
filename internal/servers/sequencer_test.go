package servers

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/sequence"
)

func testSequence() *sequence.Sequence {
	return &sequence.Sequence{
		AnalogGroups: []*sequence.ChannelGroup{
			{Name: "ramp", Channels: map[string]bool{"A": true, "B": false, "C": true}},
		},
		GPIBGroups: []*sequence.ChannelGroup{
			{Name: "synth", Channels: map[string]bool{"G1": true}},
		},
		Timesteps: []*sequence.Timestep{
			{Name: "t0", Duration: 1, Enabled: true, Digital: map[string]bool{"D1": true, "D2": true}},
			{Name: "t1", Duration: 1, Enabled: true, Digital: map[string]bool{"D1": false}},
		},
	}
}

func TestProtocolOrder(t *testing.T) {
	gw := newFakeGateway()
	var armed uint32
	seq := NewSequencer(gw, nil)

	res := seq.RunIterationProtocol(context.Background(), Request{
		Sequence:  testSequence(),
		ClockID:   func() uint32 { return 1234 },
		BeforeArm: func(id uint32) error { armed = id; return nil },
	})
	if !res.OK() {
		t.Fatalf("protocol failed: %s", res.Reason())
	}

	want := []Step{
		StepSaveSettings, StepTimestamp, StepSettings, StepAnalogCheck,
		StepSequence, StepBuffers, StepArmTasks, StepTriggers,
	}
	if got := gw.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v\nwant %v", got, want)
	}
	if armed != 1234 || gw.clockID != 1234 || res.ClockID != 1234 {
		t.Errorf("clock id hook=%d gateway=%d result=%d, want 1234", armed, gw.clockID, res.ClockID)
	}
}

func TestFatalStepsShortCircuit(t *testing.T) {
	for _, step := range []Step{StepTimestamp, StepSettings, StepSequence, StepBuffers, StepArmTasks, StepTriggers} {
		t.Run(string(step), func(t *testing.T) {
			gw := newFakeGateway()
			gw.statuses[step] = FailedTimeout
			rep := &recordingReporter{}

			res := NewSequencer(gw, nil, WithReporter(rep)).RunIterationProtocol(context.Background(), Request{Sequence: testSequence()})
			if res.OK() {
				t.Fatal("expected failure")
			}
			if res.FailedStep != step || res.Status != FailedTimeout {
				t.Errorf("result = %+v", res)
			}
			calls := gw.Calls()
			if calls[len(calls)-1] != step {
				t.Errorf("calls continued after failed step: %v", calls)
			}
			if len(rep.messages) == 0 {
				t.Error("expected a log line for the failure")
			}
		})
	}
}

func TestSaveSettingsFailureIsSoft(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses[StepSaveSettings] = FailedRemoteError
	rep := &recordingReporter{}

	res := NewSequencer(gw, nil, WithReporter(rep)).RunIterationProtocol(context.Background(), Request{Sequence: testSequence()})
	if !res.OK() {
		t.Fatalf("save settings failure must not be fatal: %s", res.Reason())
	}
	if len(rep.warnings) != 1 {
		t.Errorf("warnings = %v, want one", rep.warnings)
	}
}

func TestAnalogCheckDeclined(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses[StepAnalogCheck] = FailedAnalogInCheck

	res := NewSequencer(gw, StaticConfirmer(false)).RunIterationProtocol(context.Background(), Request{Sequence: testSequence()})
	if res.OK() || res.FailedStep != StepAnalogCheck {
		t.Fatalf("result = %+v, want analog check failure", res)
	}
	for _, c := range gw.Calls() {
		if c == StepSequence {
			t.Error("sequence must not be sent after a declined analog check")
		}
	}
}

func TestAnalogCheckOverrideAndRestore(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses[StepAnalogCheck] = FailedAnalogInCheck
	seq := testSequence()

	var pushed map[string]bool
	var pushedDigital bool
	gw.onSequence = func(s *sequence.Sequence) {
		pushed = map[string]bool{}
		for k, v := range s.AnalogGroups[0].Channels {
			pushed[k] = v
		}
		pushedDigital = s.Timesteps[0].Digital["D1"]
	}

	res := NewSequencer(gw, StaticConfirmer(true)).RunIterationProtocol(context.Background(), Request{
		Sequence: seq,
		TurnOff:  ChannelSet{Analog: []string{"A", "B"}, GPIB: []string{"G1"}, Digital: []string{"D1"}},
	})
	if !res.OK() {
		t.Fatalf("protocol failed: %s", res.Reason())
	}
	if pushed["A"] || pushed["B"] || !pushed["C"] {
		t.Errorf("pushed analog channels = %v, want A and B off", pushed)
	}
	if pushedDigital {
		t.Error("pushed digital D1 should be off")
	}

	want := testSequence()
	if !reflect.DeepEqual(seq.AnalogGroups[0].Channels, want.AnalogGroups[0].Channels) {
		t.Errorf("analog not restored: %v", seq.AnalogGroups[0].Channels)
	}
	if !seq.GPIBGroups[0].Channels["G1"] {
		t.Error("gpib not restored")
	}
	if !seq.Timesteps[0].Digital["D1"] || seq.Timesteps[1].Digital["D1"] {
		t.Errorf("digital not restored: %v %v", seq.Timesteps[0].Digital, seq.Timesteps[1].Digital)
	}
}

func TestOverrideRestoredOnFailure(t *testing.T) {
	for _, step := range []Step{StepSequence, StepBuffers} {
		t.Run(string(step), func(t *testing.T) {
			gw := newFakeGateway()
			gw.statuses[StepAnalogCheck] = FailedAnalogInCheck
			gw.statuses[step] = FailedRemoteError
			seq := testSequence()

			res := NewSequencer(gw, StaticConfirmer(true)).RunIterationProtocol(context.Background(), Request{
				Sequence: seq,
				TurnOff:  ChannelSet{Analog: []string{"A", "B"}},
			})
			if res.OK() {
				t.Fatal("expected failure")
			}
			if !seq.AnalogGroups[0].Channels["A"] || seq.AnalogGroups[0].Channels["B"] {
				t.Errorf("channels = %v, want A=true B=false", seq.AnalogGroups[0].Channels)
			}
		})
	}
}

func TestOverrideRestoredOnPanic(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses[StepAnalogCheck] = FailedAnalogInCheck
	gw.panics[StepBuffers] = true
	seq := testSequence()

	res := NewSequencer(gw, StaticConfirmer(true)).RunIterationProtocol(context.Background(), Request{
		Sequence: seq,
		TurnOff:  ChannelSet{Analog: []string{"A"}},
	})
	if res.OK() || res.Status != FailedRemoteError {
		t.Fatalf("result = %+v, want remote error", res)
	}
	if !seq.AnalogGroups[0].Channels["A"] {
		t.Error("channel A not restored after panic")
	}
}

func TestBeforeArmError(t *testing.T) {
	gw := newFakeGateway()
	armErr := errors.New("already armed")

	res := NewSequencer(gw, nil).RunIterationProtocol(context.Background(), Request{
		Sequence:  testSequence(),
		BeforeArm: func(uint32) error { return armErr },
	})
	if res.OK() || !errors.Is(res.Err, armErr) || res.FailedStep != StepClockArm {
		t.Fatalf("result = %+v", res)
	}
	for _, c := range gw.Calls() {
		if c == StepArmTasks {
			t.Error("tasks must not be armed when the clock fails to arm")
		}
	}
}

func TestObserverAndTimeout(t *testing.T) {
	gw := newFakeGateway()
	var steps []Step
	seq := NewSequencer(gw, nil,
		WithTimeout(time.Millisecond),
		WithObserver(func(step Step, _ ActionStatus, _ time.Duration) { steps = append(steps, step) }),
	)

	var deadline bool
	st := seq.call(context.Background(), StepStopAll, func(ctx context.Context) ActionStatus {
		_, deadline = ctx.Deadline()
		return Success
	})
	if !st.OK() || !deadline {
		t.Errorf("status=%v deadline=%v", st, deadline)
	}
	if len(steps) != 1 || steps[0] != StepStopAll {
		t.Errorf("observed = %v", steps)
	}
}

func TestPollRunSuccess(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses[StepRunSuccess] = FailedBufferUnderrun
	rep := &recordingReporter{}

	if st := NewSequencer(gw, nil, WithReporter(rep)).PollRunSuccess(context.Background()); st != FailedBufferUnderrun {
		t.Errorf("status = %v", st)
	}
	if len(rep.messages) != 1 {
		t.Errorf("messages = %v", rep.messages)
	}
}

func TestActionStatus(t *testing.T) {
	if FailedAnalogInCheck.String() != "Failed_AnalogInCheck" {
		t.Errorf("String = %s", FailedAnalogInCheck)
	}
	if ParseActionStatus("failed_timeout") != FailedTimeout {
		t.Error("expected case-insensitive parse")
	}
	if ParseActionStatus("Success") != Success {
		t.Error("expected Success")
	}
	if ParseActionStatus("bogus") != FailedInvalidReply {
		t.Error("unknown names should map to FailedInvalidReply")
	}
	if Worst(Success, FailedTimeout, FailedRemoteError) != FailedTimeout {
		t.Error("Worst should return the first failure")
	}
}
