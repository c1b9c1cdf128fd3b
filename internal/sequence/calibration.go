package sequence

// Calibration is the calibration shot schedule owned by a sequence.
type Calibration struct {
	Enabled   bool `json:"enabled"`
	RunFirst  bool `json:"run_first"`
	RunLast   bool `json:"run_last"`
	RunEveryN bool `json:"run_every_n"`
	N         int  `json:"n"`

	// Sequence is the calibration sequence. Its lists must be locked before
	// a run; the orchestrator never locks them itself.
	Sequence *Sequence `json:"-"`
	// File is the calibration sequence file, resolved by Load.
	File string `json:"file,omitempty"`
}

// Required reports whether a calibration shot must run at schedule position i
// of a run with total iterations.
func (c Calibration) Required(i, total int) bool {
	if !c.Enabled {
		return false
	}
	if c.RunFirst && i == 0 {
		return true
	}
	if c.RunLast && i == total-1 {
		return true
	}
	if c.RunEveryN && c.N > 0 && i%c.N == 0 {
		return true
	}
	return false
}
