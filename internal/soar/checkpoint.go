package soar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	checkpointVersion = 1
	globalMark        = "global"
)

type checkpointFile struct {
	Version int                  `json:"version"`
	Marks   map[string]time.Time `json:"marks"`
}

// Checkpoint persists the response loop's high-water-mark. The file is a
// versioned registry of named marks; only "global" is used today, the map
// leaves room for per-event-type marks without a format break. Writes are
// temp-file plus rename, so a crash leaves either the old file or the new
// one, never a torn write.
type Checkpoint struct {
	path string

	mu    sync.Mutex
	marks map[string]time.Time
}

// OpenCheckpoint loads the registry at path, or starts empty when the file
// does not exist yet. A file that exists but does not parse aborts startup;
// deleting it is the operator's reset.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	c := &Checkpoint{
		path:  path,
		marks: make(map[string]time.Time),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var file checkpointFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("checkpoint %s is corrupt: %w", path, err)
	}
	if file.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s has unsupported version %d", path, file.Version)
	}
	if file.Marks != nil {
		c.marks = file.Marks
	}
	return c, nil
}

// Mark returns the global high-water-mark, zero when none is stored.
func (c *Checkpoint) Mark() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marks[globalMark]
}

// SetMark advances the global mark. Older timestamps are ignored, so the
// mark never regresses.
func (c *Checkpoint) SetMark(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.marks[globalMark]) {
		c.marks[globalMark] = t
	}
}

// Flush writes the registry to disk atomically.
func (c *Checkpoint) Flush() error {
	c.mu.Lock()
	file := checkpointFile{
		Version: checkpointVersion,
		Marks:   make(map[string]time.Time, len(c.marks)),
	}
	for k, v := range c.marks {
		file.Marks[k] = v
	}
	c.mu.Unlock()

	raw, err := json.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint %s: %w", c.path, err)
	}
	return nil
}
