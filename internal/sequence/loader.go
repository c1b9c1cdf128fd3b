package sequence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type document struct {
	Version int  `json:"version"`
	Locked  bool `json:"locked"`
	*Sequence
}

// Load reads a sequence from a JSON file. If the sequence names a calibration
// file, it is loaded relative to path and attached to Calibration.Sequence.
func Load(path string) (*Sequence, error) {
	seq, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	if f := seq.Calibration.File; f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		cal, err := loadFile(f)
		if err != nil {
			return nil, fmt.Errorf("calibration sequence: %w", err)
		}
		seq.Calibration.Sequence = cal
	}
	return seq, nil
}

func loadFile(path string) (*Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence file: %w", err)
	}

	doc := document{Sequence: &Sequence{}}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sequence JSON: %w", err)
	}

	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported sequence version: %d", doc.Version)
	}

	if doc.Locked {
		if !doc.Sequence.TryLock() {
			return nil, fmt.Errorf("sequence %s is marked locked but its lists do not validate: %s", path, doc.Sequence.LockError())
		}
	}
	return doc.Sequence, nil
}
