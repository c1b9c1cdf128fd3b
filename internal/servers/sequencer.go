package servers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
)

// DefaultTimeout bounds each remote action.
const DefaultTimeout = 5 * time.Second

// Request describes one iteration's remote protocol.
type Request struct {
	Sequence     *sequence.Sequence
	Iteration    int
	StartTime    time.Time
	Settings     *Settings
	SettingsPath string
	TurnOff      ChannelSet

	// ClockID generates the clock correlation ID. Nil means a random uint32.
	ClockID func() uint32
	// BeforeArm runs after buffers are generated and before tasks are armed.
	// An error stops the protocol.
	BeforeArm func(clockID uint32) error
}

// Result is the outcome of RunIterationProtocol.
type Result struct {
	Status     ActionStatus
	FailedStep Step
	ClockID    uint32
	Err        error
}

// OK reports whether every fatal step succeeded.
func (r Result) OK() bool {
	return r.Status == Success && r.Err == nil
}

// Reason describes the failure for log lines.
func (r Result) Reason() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.FailedStep, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.FailedStep, r.Status)
}

// StepObserver is notified after every remote action.
type StepObserver func(step Step, status ActionStatus, took time.Duration)

// Sequencer runs the ordered remote protocol, stopping at the first fatal
// failure.
type Sequencer struct {
	gateway   Gateway
	confirmer Confirmer
	reporter  Reporter
	observer  StepObserver
	timeout   time.Duration
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

func WithReporter(r Reporter) SequencerOption {
	return func(s *Sequencer) {
		if r != nil {
			s.reporter = r
		}
	}
}

func WithObserver(o StepObserver) SequencerOption {
	return func(s *Sequencer) { s.observer = o }
}

// WithTimeout sets the per-action deadline. Zero disables it.
func WithTimeout(d time.Duration) SequencerOption {
	return func(s *Sequencer) { s.timeout = d }
}

// NewSequencer creates a Sequencer. A nil confirmer declines every question.
func NewSequencer(gw Gateway, confirmer Confirmer, opts ...SequencerOption) *Sequencer {
	if confirmer == nil {
		confirmer = StaticConfirmer(false)
	}
	s := &Sequencer{
		gateway:   gw,
		confirmer: confirmer,
		reporter:  nopReporter{},
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// call runs one action with the per-action deadline. A panicking gateway is
// reported as a remote error rather than unwinding the run.
func (s *Sequencer) call(ctx context.Context, step Step, fn func(context.Context) ActionStatus) (status ActionStatus) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("remote action panicked",
				zap.String("step", string(step)),
				zap.Any("panic", r))
			status = FailedRemoteError
		}
		if s.observer != nil {
			s.observer(step, status, time.Since(start))
		}
	}()
	return fn(ctx)
}

func (s *Sequencer) fail(step Step, status ActionStatus, msg string) Result {
	s.reporter.Message(fmt.Sprintf("%s %s", msg, status))
	return Result{Status: status, FailedStep: step}
}

// RunIterationProtocol issues, in order: save server settings (soft), run
// start timestamp, settings, analog input check, sequence, buffers, clock arm
// hook, arm tasks and triggers.
func (s *Sequencer) RunIterationProtocol(ctx context.Context, req Request) Result {
	gw := s.gateway

	if st := s.call(ctx, StepSaveSettings, func(ctx context.Context) ActionStatus {
		return gw.SaveSettings(ctx, req.SettingsPath)
	}); !st.OK() {
		s.reporter.Warning("Failed to save server settings. " + st.String())
	}

	s.reporter.Message("Sending run start timestamp.")
	if st := s.call(ctx, StepTimestamp, func(ctx context.Context) ActionStatus {
		return gw.SetNextRunTimestamp(ctx, req.StartTime)
	}); !st.OK() {
		return s.fail(StepTimestamp, st, "Unable to set start timestamp.")
	}

	s.reporter.Message("Sending settings data.")
	if st := s.call(ctx, StepSettings, func(ctx context.Context) ActionStatus {
		return gw.SetSettings(ctx, req.Settings)
	}); !st.OK() {
		return s.fail(StepSettings, st, "Unable to send settings data.")
	}

	var override *ChannelOverride
	restore := func() {
		if override != nil {
			override.Restore()
			override = nil
		}
	}
	defer restore()

	ai := s.call(ctx, StepAnalogCheck, func(ctx context.Context) ActionStatus {
		return gw.CheckAnalogInput(ctx, req.Sequence)
	})
	switch ai {
	case Success:
	case FailedAnalogInCheck:
		s.reporter.Message("Analog input check failed.")
		if !s.confirmer.Confirm(ctx, "Analog input check failed. Continue anyway?") {
			s.reporter.Message("Run stopped after the failed analog input check.")
			return Result{Status: ai, FailedStep: StepAnalogCheck}
		}
		s.reporter.Message("Continuing after failed analog input check.")
		override = DisableChannels(req.Sequence, req.TurnOff)
		if n := override.Count(); n > 0 {
			s.reporter.Message(fmt.Sprintf("Temporarily turned off %d channel value(s) for this run.", n))
		}
	default:
		s.reporter.Warning("Analog input check did not complete. " + ai.String())
	}

	s.reporter.Message("Sending sequence data.")
	if st := s.call(ctx, StepSequence, func(ctx context.Context) ActionStatus {
		return gw.SetSequence(ctx, req.Sequence)
	}); !st.OK() {
		return s.fail(StepSequence, st, "Unable to send sequence data.")
	}

	s.reporter.Message("Generating buffers.")
	if st := s.call(ctx, StepBuffers, func(ctx context.Context) ActionStatus {
		return gw.GenerateBuffers(ctx, req.Iteration)
	}); !st.OK() {
		return s.fail(StepBuffers, st, "Unable to generate buffers.")
	}

	restore()

	clockID := randomClockID()
	if req.ClockID != nil {
		clockID = req.ClockID()
	}
	if req.BeforeArm != nil {
		if err := req.BeforeArm(clockID); err != nil {
			s.reporter.Message("Unable to arm clock. " + err.Error())
			return Result{Status: Success, FailedStep: StepClockArm, ClockID: clockID, Err: err}
		}
	}

	s.reporter.Message("Arming tasks.")
	if st := s.call(ctx, StepArmTasks, func(ctx context.Context) ActionStatus {
		return gw.ArmTasks(ctx, clockID)
	}); !st.OK() {
		r := s.fail(StepArmTasks, st, "Unable to arm tasks.")
		r.ClockID = clockID
		return r
	}

	s.reporter.Message("Generating triggers.")
	if st := s.call(ctx, StepTriggers, func(ctx context.Context) ActionStatus {
		return gw.GenerateTriggers(ctx)
	}); !st.OK() {
		r := s.fail(StepTriggers, st, "Unable to generate triggers.")
		r.ClockID = clockID
		return r
	}

	return Result{Status: Success, ClockID: clockID}
}

// PollRunSuccess asks every server whether the run completed cleanly.
func (s *Sequencer) PollRunSuccess(ctx context.Context) ActionStatus {
	st := s.call(ctx, StepRunSuccess, s.gateway.GetRunSuccess)
	if !st.OK() {
		s.reporter.Message("Run failed, possibly due to a buffer underrun. Please check the server event logs. " + st.String())
	}
	return st
}

// StopAll tells every server to stop.
func (s *Sequencer) StopAll(ctx context.Context) ActionStatus {
	st := s.call(ctx, StepStopAll, s.gateway.StopAll)
	if !st.OK() {
		s.reporter.Warning("Unable to stop all servers. " + st.String())
	}
	return st
}

func randomClockID() uint32 {
	return rand.Uint32()
}
