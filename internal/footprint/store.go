// Package footprint implements C2, the durable model_id -> vram_mib map.
package footprint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/TKontu/vllm-gateway/internal/logging"
)

// Store persists the VRAM footprint of every model that has completed a
// successful discovery run. Callers serialise writes themselves by holding
// the relevant per-model StartLock (§4.2); Store adds no locking of its
// own beyond protecting the in-memory map from concurrent reads.
type Store struct {
	path string
	log  logging.Logger

	mu   sync.RWMutex
	data map[string]int64
}

// Load reads path if it exists. A missing file, a parse error, or any I/O
// error yields an empty store rather than a startup failure; the spec
// treats the footprint store as an optimisation, not a source of truth.
func Load(path string, log logging.Logger) *Store {
	s := &Store{path: path, log: log, data: map[string]int64{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("path", path).WithError(err).Warn("footprint store: read failed, starting empty")
		}
		return s
	}

	var m map[string]int64
	if err := json.Unmarshal(raw, &m); err != nil {
		log.WithField("path", path).WithError(err).Warn("footprint store: parse failed, starting empty")
		return s
	}
	s.data = m
	return s
}

// Get returns the known footprint for model_id, or (0, false) if unknown.
func (s *Store) Get(modelID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[modelID]
	return v, ok
}

// Put records a newly-discovered footprint and rewrites the backing file.
// A write failure is logged and tolerated: the in-memory value still
// takes effect for the remainder of the process lifetime.
func (s *Store) Put(modelID string, vramMiB int64) {
	s.mu.Lock()
	s.data[modelID] = vramMiB
	snapshot := make(map[string]int64, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := s.rewrite(snapshot); err != nil {
		s.log.WithField("model_id", modelID).WithError(err).Warn("footprint store: write failed, keeping in-memory value")
	}
}

// Snapshot returns a copy of the full map, for the status endpoint.
func (s *Store) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *Store) rewrite(data map[string]int64) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
