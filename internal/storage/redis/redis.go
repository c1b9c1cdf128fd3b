// Package redis pushes run log records onto a Redis list and announces them
// on a channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AaronLay10/SentientSequencer/internal/runlog"
)

type client interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

type Config struct {
	Addrs    []string
	Password string
	Key      string
	Channel  string
	Verbose  bool
}

// Entry is the JSON document stored per record.
type Entry struct {
	FileName string         `json:"file_name,omitempty"`
	Record   *runlog.Record `json:"record"`
}

// Sink writes records to Redis.
type Sink struct {
	client  client
	key     string
	channel string
	verbose bool
}

// Open connects and pings. One address is a single node, several a cluster.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis addresses empty")
	}
	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newSink(c, cfg), nil
}

func newSink(c client, cfg Config) *Sink {
	return &Sink{client: c, key: cfg.Key, channel: cfg.Channel, verbose: cfg.Verbose}
}

func (s *Sink) Name() string { return "redis" }

func (s *Sink) Verbose() bool { return s.verbose }

// Record appends the entry to the list and, if a channel is set, publishes it.
func (s *Sink) Record(ctx context.Context, fileName string, rec *runlog.Record) error {
	body, err := json.Marshal(Entry{FileName: fileName, Record: rec})
	if err != nil {
		return fmt.Errorf("marshal run log: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, body).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", s.key, err)
	}
	if s.channel == "" {
		return nil
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.client.Close()
}
