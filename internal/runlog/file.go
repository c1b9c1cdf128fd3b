package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// ErrLogExists is returned when the run log file name is already taken.
var ErrLogExists = errors.New("run log file already exists")

// Writer persists a record and returns the name it was written under.
type Writer interface {
	Write(rec *Record) (string, error)
}

// FileWriter writes records as JSON under Dir/YYYY/MM/DD/.
// Existing files are never overwritten.
type FileWriter struct {
	Dir string
}

func NewFileWriter(dir string) *FileWriter {
	return &FileWriter{Dir: dir}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName returns the path a record is written to.
func (w *FileWriter) FileName(rec *Record) string {
	t := rec.StartTime
	name := t.Format("150405.000")
	if rec.Sequence != "" {
		name += "_" + unsafeName.ReplaceAllString(rec.Sequence, "-")
	}
	if rec.Calibration {
		name += "_cal"
	} else {
		name += "_" + strconv.Itoa(rec.Iteration)
	}
	return filepath.Join(w.Dir, t.Format("2006"), t.Format("01"), t.Format("02"), name+".json")
}

func (w *FileWriter) Write(rec *Record) (string, error) {
	path := w.FileName(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create run log directory: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrLogExists, path)
		}
		return "", fmt.Errorf("failed to create run log: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write run log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close run log: %w", err)
	}
	return path, nil
}
