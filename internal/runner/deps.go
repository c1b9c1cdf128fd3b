package runner

import (
	"context"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/arbiter"
	"github.com/AaronLay10/SentientSequencer/internal/clock"
	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/metrics"
	"github.com/AaronLay10/SentientSequencer/internal/runlog"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
	"github.com/AaronLay10/SentientSequencer/internal/telemetry"
)

// ListLocker is the list store a run locks before it starts.
type ListLocker interface {
	IsLocked() bool
	TryLock() bool
}

// DwellOutput forces hardware outputs to a timestep's state immediately.
type DwellOutput interface {
	OutputNow(ctx context.Context, step *sequence.Timestep) bool
}

// IterationInfo describes an iteration about to start.
type IterationInfo struct {
	RunID       string
	Iteration   int
	Calibration bool
	Sequence    string
	Duration    time.Duration
}

// IterationListener is notified at iteration start and on abort. Listeners
// must not block; failures are theirs to report.
type IterationListener interface {
	IterationStarted(ctx context.Context, info IterationInfo)
	RunAborted(ctx context.Context)
}

// Settings is the station state a run reads.
type Settings struct {
	Station            string
	SavePath           string
	ServerSettingsPath string
	SequenceFile       string
	Permanent          map[string]float64
	TurnOff            servers.ChannelSet
	Overridden         []string
	Clock              clock.Config
	// CollectHost attaches host metadata to run log records.
	CollectHost bool
}

// Deps is everything an Orchestrator drives. Sequence and Gateway are required.
type Deps struct {
	Sequence *sequence.Sequence
	// Lists defaults to Sequence.
	Lists ListLocker
	// Calibration defaults to Sequence.Calibration.Sequence.
	Calibration *sequence.Sequence

	Gateway   servers.Gateway
	Confirmer servers.Confirmer
	Dwell     DwellOutput
	ClockFeed clock.Feed

	Writer    runlog.Writer
	Sinks     []runlog.Sink
	Arbiter   *arbiter.Arbiter
	Listeners []IterationListener
	Events    *events.Bus
	Metrics   *metrics.Metrics
	Tracer    *telemetry.Tracer

	Settings Settings
}
