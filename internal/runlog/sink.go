package runlog

import (
	"context"
	"fmt"
	"time"
)

// Sink is an external run log destination. Sinks fail independently.
type Sink interface {
	Name() string
	Record(ctx context.Context, fileName string, rec *Record) error
}

// Verbose is implemented by sinks that want full error detail in run logs.
type Verbose interface {
	Verbose() bool
}

// SinkResult is the outcome of forwarding to one sink.
type SinkResult struct {
	Sink string
	Err  error
}

// DefaultSinkTimeout bounds each sink write.
const DefaultSinkTimeout = 10 * time.Second

// Dispatch forwards rec to every sink in order. A failing sink never stops
// the others. The returned lines are human-readable outcomes for the run log.
func Dispatch(ctx context.Context, sinks []Sink, fileName string, rec *Record) ([]SinkResult, []string) {
	results := make([]SinkResult, 0, len(sinks))
	lines := make([]string, 0, len(sinks))

	for _, s := range sinks {
		err := record(ctx, s, fileName, rec)
		results = append(results, SinkResult{Sink: s.Name(), Err: err})
		if err == nil {
			lines = append(lines, fmt.Sprintf("Run log added to %s successfully.", s.Name()))
			continue
		}
		if v, ok := s.(Verbose); ok && v.Verbose() {
			lines = append(lines, fmt.Sprintf("Failed to add run log to %s: %+v", s.Name(), err))
		} else {
			lines = append(lines, fmt.Sprintf("Failed to add run log to %s. Enable verbose error reporting for this sink for details.", s.Name()))
		}
	}
	return results, lines
}

func record(ctx context.Context, s Sink, fileName string, rec *Record) (err error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultSinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Record(ctx, fileName, rec)
}
