// Package runlog writes one structured record per completed iteration and
// forwards it to the configured sinks.
package runlog

import (
	"sort"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/sequence"
)

// Record is the run log of one completed iteration.
type Record struct {
	RunID        string             `json:"run_id"`
	Station      string             `json:"station"`
	Sequence     string             `json:"sequence"`
	SequenceFile string             `json:"sequence_file,omitempty"`
	SettingsFile string             `json:"settings_file,omitempty"`
	Iteration    int                `json:"iteration"`
	Calibration  bool               `json:"calibration"`
	StartTime    time.Time          `json:"start_time"`
	SessionStart time.Time          `json:"session_start"`
	DurationSec  float64            `json:"duration_s"`
	ClockID      uint32             `json:"clock_id"`
	Variables    map[string]float64 `json:"variables"`
	Permanent    []string           `json:"permanent_variables,omitempty"`
	Host         *HostSnapshot      `json:"host,omitempty"`
}

// Meta carries record fields that do not come from the sequence.
type Meta struct {
	RunID        string
	Station      string
	SequenceFile string
	SettingsFile string
	Calibration  bool
	StartTime    time.Time
	SessionStart time.Time
	ClockID      uint32
}

// NewRecord captures seq's bound variable values for the iteration last bound.
func NewRecord(seq *sequence.Sequence, meta Meta) *Record {
	rec := &Record{
		RunID:        meta.RunID,
		Station:      meta.Station,
		Sequence:     seq.Name,
		SequenceFile: meta.SequenceFile,
		SettingsFile: meta.SettingsFile,
		Iteration:    seq.Iteration(),
		Calibration:  meta.Calibration,
		StartTime:    meta.StartTime,
		SessionStart: meta.SessionStart,
		DurationSec:  seq.Duration().Seconds(),
		ClockID:      meta.ClockID,
		Variables:    make(map[string]float64, len(seq.Variables)),
	}
	for _, v := range seq.Variables {
		rec.Variables[v.Name] = v.Value
		if v.Permanent {
			rec.Permanent = append(rec.Permanent, v.Name)
		}
	}
	sort.Strings(rec.Permanent)
	return rec
}
