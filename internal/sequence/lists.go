package sequence

import "fmt"

// IsLocked reports whether the iteration lists are locked.
func (s *Sequence) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// LockError returns why the last TryLock failed, or "".
func (s *Sequence) LockError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockError
}

// TryLock validates and locks the lists. Enabled lists must parse, and no
// list-driven variable may be bound to a missing or disabled list. Enabled
// lists that no variable uses are disabled. On success the cursor resets to 0.
func (s *Sequence) TryLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return true
	}

	parsed := make([][]float64, len(s.Lists))
	for i, l := range s.Lists {
		if !l.Enabled {
			continue
		}
		vals, err := l.parse()
		if err != nil {
			s.lockError = fmt.Sprintf("List %d contains unreadable lines: %v.", i+1, err)
			return false
		}
		if len(vals) == 0 {
			s.lockError = fmt.Sprintf("List %d is enabled but empty.", i+1)
			return false
		}
		parsed[i] = vals
	}

	used := make(map[int]bool)
	for _, v := range s.Variables {
		if !v.ListDriven {
			continue
		}
		n := v.ListNumber - 1
		if n < 0 || n >= len(s.Lists) || !s.Lists[n].Enabled {
			s.lockError = fmt.Sprintf("Variable [%s] is bound to disabled List %d.", v, v.ListNumber)
			return false
		}
		used[n] = true
	}

	for i, l := range s.Lists {
		if l.Enabled && !used[i] {
			l.Enabled = false
			parsed[i] = nil
		}
		l.Values = parsed[i]
	}

	s.locked = true
	s.lockError = ""
	s.cursor = 0
	return true
}

// Unlock releases the lists for editing.
func (s *Sequence) Unlock() {
	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()
}

// IterationCount returns the number of iterations a full pass covers: the
// product of the enabled list lengths, or 1 when no list is enabled.
func (s *Sequence) IterationCount() int {
	n := 1
	for _, l := range s.Lists {
		if l.Enabled && len(l.Values) > 0 {
			n *= len(l.Values)
		}
	}
	return n
}

// listIndex decomposes iteration into a position within each enabled list.
// The first enabled list varies fastest.
func (s *Sequence) listIndex(iteration int) map[int]int {
	out := make(map[int]int)
	rem := iteration
	for i, l := range s.Lists {
		if !l.Enabled || len(l.Values) == 0 {
			continue
		}
		out[i] = rem % len(l.Values)
		rem /= len(l.Values)
	}
	return out
}
