// Package mysql forwards run log records to a MySQL run-log database.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/AaronLay10/SentientSequencer/internal/runlog"
)

const createRunLogs = `
	CREATE TABLE IF NOT EXISTS run_logs (
		id           BIGINT AUTO_INCREMENT PRIMARY KEY,
		run_id       VARCHAR(64) NOT NULL,
		station      VARCHAR(128) NOT NULL,
		sequence     VARCHAR(255) NOT NULL,
		sequence_file VARCHAR(1024),
		iteration    INT NOT NULL,
		calibration  BOOLEAN NOT NULL,
		start_time   DATETIME(6) NOT NULL,
		duration_s   DOUBLE NOT NULL,
		file_name    VARCHAR(1024),
		variables    JSON NOT NULL,
		INDEX idx_run_logs_run_id (run_id)
	)`

const insertRunLog = `
	INSERT INTO run_logs (run_id, station, sequence, sequence_file, iteration, calibration, start_time, duration_s, file_name, variables)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Config describes one run-log database.
type Config struct {
	Name    string
	DSN     string
	Verbose bool
}

// Sink writes records to one database. Sinks for different databases fail
// independently.
type Sink struct {
	name    string
	verbose bool
	db      execer
	closer  func() error
}

// ParseDSN validates dsn and forces time parsing and UTC.
func ParseDSN(dsn string) (string, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg.FormatDSN(), nil
}

// Open connects, pings and creates the run_logs table.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	dsn, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Name, err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Name, err)
	}
	if _, err := db.ExecContext(ctx, createRunLogs); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create run_logs on %s: %w", cfg.Name, err)
	}

	return &Sink{name: cfg.Name, verbose: cfg.Verbose, db: db, closer: db.Close}, nil
}

func (s *Sink) Name() string {
	if s.name == "" {
		return "mysql"
	}
	return "mysql:" + s.name
}

func (s *Sink) Verbose() bool { return s.verbose }

func (s *Sink) Record(ctx context.Context, fileName string, rec *runlog.Record) error {
	vars, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertRunLog,
		rec.RunID,
		rec.Station,
		rec.Sequence,
		nullString(rec.SequenceFile),
		rec.Iteration,
		rec.Calibration,
		rec.StartTime.UTC(),
		rec.DurationSec,
		nullString(fileName),
		vars,
	)
	return err
}

func (s *Sink) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
