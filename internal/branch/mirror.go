package branch

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mnemosyne/orchestrator/internal/log"
)

// mirrorDoc is the on-disk shape written to branch_registry.json.
type mirrorDoc struct {
	Assignments map[string]Assignment `json:"assignments"`
}

// JSONMirror persists the registry's assignment map to a single JSON file
// under the resolved .mnemosyne directory using a buffered writer and
// write-then-rename for atomicity. Saves are coalesced: a background timer
// flushes the latest pending snapshot at most every 100ms, generalizing
// the teacher's OutputBuffer ring/flush idiom (pool/buffer.go) from an
// in-memory ring to a debounced disk flush.
type JSONMirror struct {
	path string

	mu      sync.Mutex
	pending map[string]Assignment
	dirty   bool

	flushOnce sync.Once
	stop      chan struct{}
}

// NewJSONMirror creates a mirror writing to <mnemosyneDir>/branch_registry.json.
func NewJSONMirror(path string) *JSONMirror {
	m := &JSONMirror{path: path, stop: make(chan struct{})}
	log.SafeGo("branch.mirror.flushLoop", m.flushLoop)
	return m
}

// Save queues assignments for the next flush tick. Non-blocking.
func (m *JSONMirror) Save(assignments map[string]Assignment) error {
	m.mu.Lock()
	m.pending = assignments
	m.dirty = true
	m.mu.Unlock()
	return nil
}

func (m *JSONMirror) flushLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flush()
		case <-m.stop:
			m.flush()
			return
		}
	}
}

func (m *JSONMirror) flush() {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	snapshot := m.pending
	m.dirty = false
	m.mu.Unlock()

	if err := writeAtomic(m.path, mirrorDoc{Assignments: snapshot}); err != nil {
		log.ErrorErr(log.CatBranch, "failed to flush branch registry mirror", err, "path", m.path)
	}
}

// Close stops the flush loop after a final flush.
func (m *JSONMirror) Close() {
	m.flushOnce.Do(func() { close(m.stop) })
}

// Load reads the mirror file, if present, returning an empty map when it
// does not yet exist.
func Load(path string) (map[string]Assignment, error) {
	f, err := os.Open(path) //nolint:gosec // path is the resolved .mnemosyne mirror file
	if os.IsNotExist(err) {
		return map[string]Assignment{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc mirrorDoc
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&doc); err != nil {
		return nil, err
	}
	if doc.Assignments == nil {
		doc.Assignments = map[string]Assignment{}
	}
	return doc.Assignments, nil
}

func writeAtomic(path string, doc mirrorDoc) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".branch_registry-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
