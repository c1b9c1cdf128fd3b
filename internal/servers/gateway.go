package servers

import (
	"context"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/sequence"
)

// Settings is the station configuration pushed to servers before each run.
type Settings struct {
	Station               string             `json:"station"`
	PermanentVariables    map[string]float64 `json:"permanent_variables,omitempty"`
	OverriddenChannels    []string           `json:"overridden_channels,omitempty"`
	AlwaysUseNetworkClock bool               `json:"always_use_network_clock"`
}

// Gateway issues one protocol action to every connected server. Each call
// returns the combined status and must honour ctx for its deadline.
type Gateway interface {
	SaveSettings(ctx context.Context, path string) ActionStatus
	SetNextRunTimestamp(ctx context.Context, t time.Time) ActionStatus
	SetSettings(ctx context.Context, settings *Settings) ActionStatus
	CheckAnalogInput(ctx context.Context, seq *sequence.Sequence) ActionStatus
	SetSequence(ctx context.Context, seq *sequence.Sequence) ActionStatus
	GenerateBuffers(ctx context.Context, iteration int) ActionStatus
	ArmTasks(ctx context.Context, clockID uint32) ActionStatus
	GenerateTriggers(ctx context.Context) ActionStatus
	GetRunSuccess(ctx context.Context) ActionStatus
	StopAll(ctx context.Context) ActionStatus

	// UnconnectedRequired lists required servers that are not connected.
	UnconnectedRequired() []string
}

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, question string) bool
}

// StaticConfirmer answers every question with its own value.
type StaticConfirmer bool

func (s StaticConfirmer) Confirm(context.Context, string) bool {
	return bool(s)
}

// Reporter receives the protocol's human-readable log lines. Warning marks a
// soft failure the operator should see.
type Reporter interface {
	Message(msg string)
	Warning(msg string)
}

type nopReporter struct{}

func (nopReporter) Message(string) {}
func (nopReporter) Warning(string) {}
