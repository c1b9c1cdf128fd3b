// Package sequence holds the experiment sequence data a run executes: variables,
// iteration lists, timesteps, output channel groups and the calibration schedule.
package sequence

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Variable is a named sequence parameter. Its value comes from a fixed value,
// a positional list (ListDriven), a formula (Derived) or a station-wide
// permanent override.
type Variable struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	ListDriven bool    `json:"list_driven,omitempty"`
	ListNumber int     `json:"list_number,omitempty"` // 1-based
	Derived    bool    `json:"derived,omitempty"`
	Formula    string  `json:"formula,omitempty"`

	Permanent      bool    `json:"-"`
	PermanentValue float64 `json:"-"`
}

func (v *Variable) String() string {
	return v.Name
}

// List is an iteration list. Lines are parsed into Values when lists lock.
type List struct {
	Enabled bool     `json:"enabled"`
	Lines   []string `json:"lines"`

	Values []float64 `json:"-"`
}

func (l *List) parse() ([]float64, error) {
	var out []float64
	for i, line := range l.Lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %q is not a number", i+1, line)
		}
		out = append(out, v)
	}
	return out, nil
}

// Timestep is one step of the output timeline.
type Timestep struct {
	Name     string          `json:"name"`
	Duration float64         `json:"duration"` // seconds
	Enabled  bool            `json:"enabled"`
	Group    string          `json:"group,omitempty"`
	Digital  map[string]bool `json:"digital,omitempty"`

	LoopCopy bool `json:"-"`
	original *Timestep
}

// Original returns the timestep a loop copy was made from, or t itself.
func (t *Timestep) Original() *Timestep {
	if t.LoopCopy && t.original != nil {
		return t.original
	}
	return t
}

// TimestepGroup groups contiguous timesteps, optionally repeated as a loop.
type TimestepGroup struct {
	Name      string `json:"name"`
	Loop      bool   `json:"loop"`
	LoopCount int    `json:"loop_count"`
}

// ChannelGroup is an analog or GPIB output group. Channels maps a channel ID
// to its enabled flag.
type ChannelGroup struct {
	Name     string          `json:"name"`
	Channels map[string]bool `json:"channels"`
}

// Mode is a named preset of timestep enabled flags.
type Mode struct {
	Name      string          `json:"name"`
	Timesteps map[string]bool `json:"timesteps"`
}

// Sequence is the data model a run executes. A Sequence is owned by the active
// run for its duration; the mutex only guards the lock state and cursor, which
// are also read by status queries.
type Sequence struct {
	Name           string           `json:"name"`
	Variables      []*Variable      `json:"variables"`
	Lists          []*List          `json:"lists"`
	Timesteps      []*Timestep      `json:"timesteps"`
	TimestepGroups []*TimestepGroup `json:"timestep_groups,omitempty"`
	AnalogGroups   []*ChannelGroup  `json:"analog_groups,omitempty"`
	GPIBGroups     []*ChannelGroup  `json:"gpib_groups,omitempty"`
	Modes          []*Mode          `json:"modes,omitempty"`
	Calibration    Calibration      `json:"calibration"`
	DwellStep      string           `json:"dwell_step,omitempty"`

	mu        sync.Mutex
	locked    bool
	lockError string
	cursor    int
	iteration int
}

// Duration returns the total duration of enabled timesteps.
func (s *Sequence) Duration() time.Duration {
	var secs float64
	for _, t := range s.Timesteps {
		if t.Enabled {
			secs += t.Duration
		}
	}
	return time.Duration(math.Round(secs * float64(time.Second)))
}

// StepAt returns the enabled timestep active at elapsed, or nil past the end.
func (s *Sequence) StepAt(elapsed time.Duration) *Timestep {
	if elapsed < 0 {
		return nil
	}
	at := elapsed.Seconds()
	var start float64
	for _, t := range s.Timesteps {
		if !t.Enabled {
			continue
		}
		if at < start+t.Duration {
			return t
		}
		start += t.Duration
	}
	return nil
}

// Dwell returns the timestep hardware is left in when a run stops: the
// timestep named by DwellStep, else the first timestep.
func (s *Sequence) Dwell() *Timestep {
	for _, t := range s.Timesteps {
		if s.DwellStep != "" && t.Name == s.DwellStep {
			return t
		}
	}
	if len(s.Timesteps) == 0 {
		return nil
	}
	return s.Timesteps[0]
}

// ApplyMode enables and disables timesteps according to Modes[idx].
func (s *Sequence) ApplyMode(idx int) (*Mode, error) {
	if idx < 0 || idx >= len(s.Modes) {
		return nil, fmt.Errorf("invalid sequence mode index %d (have %d modes)", idx, len(s.Modes))
	}
	m := s.Modes[idx]
	for _, t := range s.Timesteps {
		if on, ok := m.Timesteps[t.Name]; ok {
			t.Enabled = on
		}
	}
	return m, nil
}

// Variable looks up a variable by name.
func (s *Sequence) Variable(name string) *Variable {
	for _, v := range s.Variables {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Cursor returns the persisted current iteration index.
func (s *Sequence) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SetCursor moves the persisted current iteration index.
func (s *Sequence) SetCursor(i int) {
	s.mu.Lock()
	s.cursor = i
	s.mu.Unlock()
}

// Iteration returns the iteration index most recently bound.
func (s *Sequence) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}
