package runner

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Ordering selects which iterations a run visits and in what order.
type Ordering int

const (
	SingleZero Ordering = iota
	SingleCurrent
	FullList
	ContinueList
	RandomOrder
)

var orderingNames = map[Ordering]string{
	SingleZero:    "single_zero",
	SingleCurrent: "single_current",
	FullList:      "full_list",
	ContinueList:  "continue_list",
	RandomOrder:   "random_order",
}

func (o Ordering) String() string {
	if n, ok := orderingNames[o]; ok {
		return n
	}
	return fmt.Sprintf("ordering(%d)", int(o))
}

// Single reports whether the ordering runs exactly one iteration per pass.
func (o Ordering) Single() bool {
	return o == SingleZero || o == SingleCurrent
}

// ParseOrdering accepts the names returned by String, case-insensitively.
func ParseOrdering(s string) (Ordering, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for o, n := range orderingNames {
		if n == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown ordering %q", s)
}

// Plan is a run request. Apart from the stop flag it is read-only once started.
type Plan struct {
	Ordering Ordering
	// Repeat reruns a single iteration until a stop is requested.
	Repeat bool
	// Background loops passes of the ordering and holds the background slot.
	Background bool
	// Calibration runs the calibration sequence instead of the measurement sequence.
	Calibration bool

	idMu sync.Mutex
	id   string
	stop atomic.Bool
}

// NewPlan builds a plan. Repeat only composes with the single orderings and is
// cleared for the others.
func NewPlan(ordering Ordering, repeat, background, calibration bool) *Plan {
	if !ordering.Single() {
		repeat = false
	}
	return &Plan{
		Ordering:    ordering,
		Repeat:      repeat,
		Background:  background,
		Calibration: calibration,
	}
}

// AbortAfterCurrent asks the run to stop at the next iteration boundary.
func (p *Plan) AbortAfterCurrent() {
	p.stop.Store(true)
}

// StopRequested reports whether AbortAfterCurrent was called.
func (p *Plan) StopRequested() bool {
	return p.stop.Load()
}

// ID returns the run ID assigned when the plan was started.
func (p *Plan) ID() string {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	return p.id
}

func (p *Plan) setID(id string) {
	p.idMu.Lock()
	p.id = id
	p.idMu.Unlock()
}

// loops reports whether the worker should start another pass after a full one.
func (p *Plan) loops() bool {
	return p.Background || (p.Repeat && p.Ordering.Single())
}
