package runner

import (
	"context"
	"encoding/json"

	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
)

// DefaultRestoreLimit is the default number of persisted events scanned.
const DefaultRestoreLimit = 1000

// EventHistory returns persisted events, newest first.
type EventHistory interface {
	QueryEvents(ctx context.Context, limit int) ([]events.Event, error)
}

// RestoredCursor is the outcome of RestoreCursor.
type RestoredCursor struct {
	LastCompleted int
	Cursor        int
	RunID         string
	Scanned       int
}

// RestoreCursor finds the last completed measurement iteration of seq in the
// event history and moves the cursor just past it, wrapping to 0 after the
// final iteration, so a ContinueList run resumes where the last run stopped.
// It returns nil if history is nil or holds no completed iteration of seq.
func RestoreCursor(ctx context.Context, history EventHistory, seq *sequence.Sequence, limit int) (*RestoredCursor, error) {
	if history == nil || seq == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultRestoreLimit
	}

	rows, err := history.QueryEvents(ctx, limit)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.Name != "iteration.completed" {
			continue
		}
		if name, ok := row.Fields["sequence"].(string); ok && name != seq.Name {
			continue
		}
		idx, ok := intField(row.Fields["iteration"])
		if !ok {
			continue
		}

		next := idx + 1
		if next >= seq.IterationCount() {
			next = 0
		}
		seq.SetCursor(next)

		runID, _ := row.Fields["run_id"].(string)
		return &RestoredCursor{LastCompleted: idx, Cursor: next, RunID: runID, Scanned: len(rows)}, nil
	}
	return nil, nil
}

// intField accepts the numeric shapes a field takes before and after a JSON
// round trip.
func intField(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
