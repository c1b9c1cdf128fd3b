package runner

import (
	"math/rand"

	"github.com/AaronLay10/SentientSequencer/internal/sequence"
)

// Step is one unit of work chosen by a Selector. For a calibration step Index
// is the schedule position that triggered it, not an iteration to bind.
type Step struct {
	Index       int
	Calibration bool
}

// Selector yields the iterations of one pass in order, with calibration shots
// interleaved according to the schedule. It never executes anything.
//
// The schedule is consulted once before the first iteration, keyed by the
// start index (list orderings) or by zero (random order). After each
// iteration it is consulted again, keyed by the iteration index, skipping
// index 0, or by the number of iterations completed so far.
type Selector struct {
	ordering Ordering
	total    int
	schedule sequence.Calibration
	repeat   bool
	rng      *rand.Rand

	next      int
	remaining []int
	completed int
	pending   []Step
	done      bool
}

// NewSelector creates a selector over total iterations. cursor is the
// persisted current iteration used by SingleCurrent and ContinueList. A nil
// rng uses a time-seeded source.
func NewSelector(ordering Ordering, total, cursor int, schedule sequence.Calibration, repeat bool, rng *rand.Rand) *Selector {
	if total < 1 {
		total = 1
	}
	if cursor < 0 || cursor >= total {
		cursor = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	s := &Selector{
		ordering: ordering,
		total:    total,
		schedule: schedule,
		repeat:   repeat && ordering.Single(),
		rng:      rng,
	}

	switch ordering {
	case SingleZero:
		s.next = 0
	case SingleCurrent:
		s.next = cursor
	case FullList:
		s.next = 0
		s.calibrateAt(0)
	case ContinueList:
		s.next = cursor
		s.calibrateAt(cursor)
	case RandomOrder:
		s.remaining = make([]int, total)
		for i := range s.remaining {
			s.remaining[i] = i
		}
		s.calibrateAt(0)
	}
	return s
}

func (s *Selector) calibrateAt(pos int) {
	if s.schedule.Required(pos, s.total) {
		s.pending = append(s.pending, Step{Index: pos, Calibration: true})
	}
}

// Next returns the next step, or false when the pass is over.
func (s *Selector) Next() (Step, bool) {
	if len(s.pending) > 0 {
		st := s.pending[0]
		s.pending = s.pending[1:]
		return st, true
	}
	if s.done {
		return Step{}, false
	}

	switch s.ordering {
	case SingleZero, SingleCurrent:
		if !s.repeat {
			s.done = true
		}
		return Step{Index: s.next}, true

	case FullList, ContinueList:
		if s.next >= s.total {
			s.done = true
			return Step{}, false
		}
		i := s.next
		s.next++
		if i != 0 {
			s.calibrateAt(i)
		}
		return Step{Index: i}, true

	case RandomOrder:
		if len(s.remaining) == 0 {
			s.done = true
			return Step{}, false
		}
		j := s.rng.Intn(len(s.remaining))
		i := s.remaining[j]
		last := len(s.remaining) - 1
		s.remaining[j] = s.remaining[last]
		s.remaining = s.remaining[:last]
		s.completed++
		s.calibrateAt(s.completed)
		return Step{Index: i}, true
	}

	s.done = true
	return Step{}, false
}

// Remaining returns how many random-order iterations are still unvisited.
func (s *Selector) Remaining() int {
	return len(s.remaining)
}
