package sequence

// loopable reports whether g's timesteps form one contiguous, non-empty block.
func (s *Sequence) loopable(g *TimestepGroup) (first, last int, ok bool) {
	first, last = -1, -1
	for i, t := range s.Timesteps {
		if t.LoopCopy || t.Group != g.Name {
			continue
		}
		if first == -1 {
			first = i
		} else if i != last+1 {
			return 0, 0, false
		}
		last = i
	}
	return first, last, first != -1
}

// UsesLoops reports whether any loopable group repeats more than once.
func (s *Sequence) UsesLoops() bool {
	for _, g := range s.TimestepGroups {
		if !g.Loop || g.LoopCount <= 1 {
			continue
		}
		if _, _, ok := s.loopable(g); ok {
			return true
		}
	}
	return false
}

// CreateLoopCopies expands each looping group in place by inserting
// LoopCount-1 copies of its block after the original. It returns the number
// of timesteps added. CleanupLoopCopies undoes it.
func (s *Sequence) CreateLoopCopies() int {
	added := 0
	for _, g := range s.TimestepGroups {
		if !g.Loop || g.LoopCount <= 1 {
			continue
		}
		first, last, ok := s.loopable(g)
		if !ok {
			continue
		}

		block := s.Timesteps[first : last+1]
		var copies []*Timestep
		for n := 1; n < g.LoopCount; n++ {
			for _, t := range block {
				copies = append(copies, t.loopCopy())
			}
		}

		out := make([]*Timestep, 0, len(s.Timesteps)+len(copies))
		out = append(out, s.Timesteps[:last+1]...)
		out = append(out, copies...)
		out = append(out, s.Timesteps[last+1:]...)
		s.Timesteps = out
		added += len(copies)
	}
	return added
}

// CleanupLoopCopies removes every loop copy.
func (s *Sequence) CleanupLoopCopies() {
	out := s.Timesteps[:0]
	for _, t := range s.Timesteps {
		if !t.LoopCopy {
			out = append(out, t)
		}
	}
	for i := len(out); i < len(s.Timesteps); i++ {
		s.Timesteps[i] = nil
	}
	s.Timesteps = out
}

func (t *Timestep) loopCopy() *Timestep {
	c := *t
	c.LoopCopy = true
	c.original = t
	if t.Digital != nil {
		c.Digital = make(map[string]bool, len(t.Digital))
		for k, v := range t.Digital {
			c.Digital[k] = v
		}
	}
	return &c
}
