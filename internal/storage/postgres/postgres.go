// Package postgres persists the event stream and run log records.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/runlog"
)

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 10000
)

// EventRow represents an event stored in Postgres.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	StationID string                 `json:"station_id"`
	RunID     *string                `json:"run_id,omitempty"`
}

// ToEvent converts the row to the in-memory event shape.
func (r EventRow) ToEvent() events.Event {
	e := events.Event{
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:     r.Level,
		Name:      r.Event,
		Fields:    r.Fields,
	}
	if r.Message != nil {
		e.Message = *r.Message
	}
	return e
}

// Client manages the Postgres connection for events and run logs.
type Client struct {
	db        *sql.DB
	stationID string
}

// New connects using the PG* environment variables and creates the tables.
func New(ctx context.Context, stationID string) (*Client, error) {
	db, err := sql.Open("postgres", connString())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := &Client{
		db:        db,
		stationID: stationID,
	}

	if err := client.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return client, nil
}

func connString() string {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "sequencer")
	dbname := getEnv("PGDATABASE", "sequencer")
	sslmode := getEnv("PGSSLMODE", "disable")

	s := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s", host, port, user, dbname, sslmode)
	if password := os.Getenv("PGPASSWORD"); password != "" {
		s += " password=" + password
	}
	return s
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS events (
			event_id   BIGSERIAL PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			level      TEXT NOT NULL,
			event      TEXT NOT NULL,
			msg        TEXT,
			fields     JSONB,
			station_id TEXT NOT NULL,
			run_id     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_station_id ON events(station_id);

		CREATE TABLE IF NOT EXISTS run_logs (
			id          BIGSERIAL PRIMARY KEY,
			run_id      TEXT NOT NULL,
			station_id  TEXT NOT NULL,
			sequence    TEXT NOT NULL,
			iteration   INTEGER NOT NULL,
			calibration BOOLEAN NOT NULL,
			start_time  TIMESTAMPTZ NOT NULL,
			file_name   TEXT,
			record      JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id);
	`
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// Append inserts an event. It implements events.Store; sessionID is the run ID.
func (c *Client) Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, station_id, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = c.db.Exec(query, ts, level, event, nullString(msg), fieldsJSON, c.stationID, nullString(sessionID))
	return err
}

// Query returns the last N events in descending order by timestamp.
func (c *Client) Query(ctx context.Context, limit int) ([]EventRow, error) {
	limit = clampLimit(limit)

	query := `
		SELECT event_id, ts, level, event, msg, fields, station_id, run_id
		FROM events
		WHERE station_id = $1
		ORDER BY ts DESC, event_id DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, c.stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg, runID sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &e.StationID, &runID); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if runID.Valid {
			e.RunID = &runID.String
		}
		if len(fieldsJSON) > 0 {
			// UseNumber keeps integer fields exact for cursor restore.
			dec := json.NewDecoder(bytes.NewReader(fieldsJSON))
			dec.UseNumber()
			if err := dec.Decode(&e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// QueryEvents returns the newest events first.
func (c *Client) QueryEvents(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := c.Query(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, len(rows))
	for i, r := range rows {
		out[i] = r.ToEvent()
	}
	return out, nil
}

// InsertRunLog stores one run log record.
func (c *Client) InsertRunLog(ctx context.Context, fileName string, rec *runlog.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	query := `
		INSERT INTO run_logs (run_id, station_id, sequence, iteration, calibration, start_time, file_name, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = c.db.ExecContext(ctx, query, rec.RunID, c.stationID, rec.Sequence, rec.Iteration, rec.Calibration, rec.StartTime, nullString(fileName), body)
	return err
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
