package runner

// Status is the lifecycle state of an orchestrator.
type Status int32

const (
	Inactive Status = iota
	StartingRun
	Running
	FinishedRun
	// ClosableOnly means the run is waiting for a background run to vacate.
	ClosableOnly
)

var statusNames = map[Status]string{
	Inactive:     "Inactive",
	StartingRun:  "StartingRun",
	Running:      "Running",
	FinishedRun:  "FinishedRun",
	ClosableOnly: "ClosableOnly",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Unknown"
}

// StatusNames lists every status name.
func StatusNames() []string {
	return []string{"Inactive", "StartingRun", "Running", "FinishedRun", "ClosableOnly"}
}

var allowedTransitions = map[Status]map[Status]struct{}{
	Inactive: {
		StartingRun: {},
		FinishedRun: {},
	},
	StartingRun: {
		Running:      {},
		ClosableOnly: {},
		FinishedRun:  {},
	},
	ClosableOnly: {
		StartingRun: {},
		FinishedRun: {},
	},
	// Running goes back to StartingRun between iterations of a multi-iteration run.
	Running: {
		StartingRun: {},
		FinishedRun: {},
	},
	FinishedRun: {
		StartingRun: {},
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Active reports whether an invocation holds the hardware in this status.
func (s Status) Active() bool {
	return s == StartingRun || s == Running || s == ClosableOnly
}
