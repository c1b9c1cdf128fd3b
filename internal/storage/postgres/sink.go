package postgres

import (
	"context"

	"github.com/AaronLay10/SentientSequencer/internal/runlog"
)

// RunLogSink forwards run log records to the run_logs table.
type RunLogSink struct {
	client *Client
}

func NewRunLogSink(c *Client) *RunLogSink {
	return &RunLogSink{client: c}
}

func (s *RunLogSink) Name() string { return "postgres" }

func (s *RunLogSink) Record(ctx context.Context, fileName string, rec *runlog.Record) error {
	return s.client.InsertRunLog(ctx, fileName, rec)
}

// Verbose reports full errors; the database is local to the station.
func (s *RunLogSink) Verbose() bool { return true }
