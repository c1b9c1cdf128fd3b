package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/AaronLay10/SentientSequencer/internal/runlog"
)

var _ runlog.Sink = (*Sink)(nil)

type fakeClient struct {
	pushed    map[string][][]byte
	published map[string][][]byte
	pushErr   error
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{pushed: map[string][][]byte{}, published: map[string][][]byte{}}
}

func (f *fakeClient) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.pushed[key] = append(f.pushed[key], v.([]byte))
	}
	return redis.NewIntResult(int64(len(f.pushed[key])), nil)
}

func (f *fakeClient) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestRecordPushesAndPublishes(t *testing.T) {
	c := newFakeClient()
	s := newSink(c, Config{Key: "lab:runlog", Channel: "lab:runs"})

	rec := &runlog.Record{RunID: "r1", Sequence: "scan", Iteration: 2}
	if err := s.Record(context.Background(), "scan_2.json", rec); err != nil {
		t.Fatal(err)
	}

	if len(c.pushed["lab:runlog"]) != 1 || len(c.published["lab:runs"]) != 1 {
		t.Fatalf("pushed=%v published=%v", c.pushed, c.published)
	}
	var got Entry
	if err := json.Unmarshal(c.pushed["lab:runlog"][0], &got); err != nil {
		t.Fatal(err)
	}
	if got.FileName != "scan_2.json" || got.Record.RunID != "r1" || got.Record.Iteration != 2 {
		t.Errorf("entry = %+v", got)
	}
}

func TestRecordWithoutChannel(t *testing.T) {
	c := newFakeClient()
	s := newSink(c, Config{Key: "k"})
	if err := s.Record(context.Background(), "", &runlog.Record{}); err != nil {
		t.Fatal(err)
	}
	if len(c.published) != 0 {
		t.Error("published without a channel")
	}
}

func TestRecordPushError(t *testing.T) {
	c := newFakeClient()
	c.pushErr = errors.New("READONLY")
	s := newSink(c, Config{Key: "k", Channel: "ch", Verbose: true})

	err := s.Record(context.Background(), "", &runlog.Record{})
	if err == nil || !errors.Is(err, c.pushErr) {
		t.Fatalf("err = %v", err)
	}
	if len(c.published) != 0 {
		t.Error("published after a failed push")
	}
	if !s.Verbose() {
		t.Error("Verbose not carried")
	}
	_ = s.Close()
	if !c.closed {
		t.Error("Close not forwarded")
	}
}

func TestOpenRequiresAddrs(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("expected error without addresses")
	}
}
