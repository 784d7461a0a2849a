package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultBlockLogCapacity is the Block Log's ring size when the
// configuration does not override it.
const DefaultBlockLogCapacity = 2048

// BlockLogEntry is one record of a query the engine observed, along with
// the disposition it was given.
type BlockLogEntry struct {
	Name        string      `yaml:"name"`
	Disposition Disposition `yaml:"disposition"`
	At          time.Time   `yaml:"at"`
}

// BlockLog is a fixed-capacity ring of BlockLogEntry, newest-wins when
// full: once capacity is reached, appending an entry overwrites the oldest
// one.
type BlockLog struct {
	mu       sync.Mutex
	entries  []BlockLogEntry
	capacity int
	next     int // next write position once full
	size     int // number of valid entries (<= capacity)
	now      func() time.Time
	runID    string
}

// NewBlockLog creates a ring with the given capacity (DefaultBlockLogCapacity
// when capacity <= 0).
func NewBlockLog(capacity int) *BlockLog {
	if capacity <= 0 {
		capacity = DefaultBlockLogCapacity
	}
	return &BlockLog{
		entries:  make([]BlockLogEntry, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append records one observed query and its disposition, overwriting the
// oldest entry once the ring is full.
func (b *BlockLog) Append(name string, d Disposition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := BlockLogEntry{Name: name, Disposition: d, At: b.now()}
	if b.size < b.capacity {
		b.entries[b.size] = entry
		b.size++
		return
	}
	b.entries[b.next] = entry
	b.next = (b.next + 1) % b.capacity
}

// Snapshot returns a copy of the ring's entries in chronological order.
func (b *BlockLog) Snapshot() []BlockLogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BlockLogEntry, 0, b.size)
	if b.size < b.capacity {
		out = append(out, b.entries[:b.size]...)
		return out
	}
	out = append(out, b.entries[b.next:]...)
	out = append(out, b.entries[:b.next]...)
	return out
}

type blockLogFile struct {
	RunID   string          `yaml:"run_id,omitempty"`
	Entries []BlockLogEntry `yaml:"entries"`
}

// SetRunID stamps the engine-run correlation id that Save writes into the
// persisted file, so a reader can tell which process last wrote it.
func (b *BlockLog) SetRunID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runID = id
}

// Save persists the ring to path as YAML.
func (b *BlockLog) Save(path string) error {
	b.mu.Lock()
	runID := b.runID
	b.mu.Unlock()
	data, err := yaml.Marshal(blockLogFile{RunID: runID, Entries: b.Snapshot()})
	if err != nil {
		return fmt.Errorf("marshal block log: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write block log: %w", err)
	}
	return nil
}

// LoadBlockLog reads a previously persisted ring from path, sized to
// capacity. A missing file yields an empty ring, not an error.
func LoadBlockLog(path string, capacity int) (*BlockLog, error) {
	bl := NewBlockLog(capacity)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bl, nil
		}
		return nil, fmt.Errorf("read block log: %w", err)
	}

	var f blockLogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse block log: %w", err)
	}
	entries := f.Entries
	if len(entries) > bl.capacity {
		entries = entries[len(entries)-bl.capacity:]
	}
	bl.size = copy(bl.entries, entries)
	return bl, nil
}
