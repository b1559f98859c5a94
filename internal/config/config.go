// Package config implements the broker's ConfigSource: a TOML-backed
// parser yielding an immutable config object. Load always replaces the
// cached object; the skip of an unchanged reload is done by
// internal/modhost's ReloadConfig fan-out.
// Grounded on the teacher's BoltStore load/persist idiom
// (pkg/storage/boltdb.go), adapted from a JSON key/value store to a
// TOML-on-disk config tree using go-toml/v2, promoted here from an
// indirect teacher dependency to a direct one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Source reads and holds the broker's TOML configuration, exposing it as
// an immutable snapshot. It is safe for concurrent use.
type Source struct {
	path string

	mu  sync.RWMutex
	raw map[string]any
}

// NewSource creates a Source that reads from path. It does not read the
// file until Load is called.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Load reads and parses the config file, replacing the cached object.
func (s *Source) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}
	var parsed map[string]any
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.raw = parsed
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current config object as a JSON value, suitable for
// use as a message payload (e.g. the welcome request's conf field, or a
// config.reload fan-out payload). It returns nil until Load has succeeded
// at least once.
func (s *Source) Snapshot() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raw == nil {
		return nil
	}
	out, err := json.Marshal(s.raw)
	if err != nil {
		return nil
	}
	return out
}

// Get looks up a dotted key path (e.g. "tbon.descendants") in the current
// config object.
func (s *Source) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.raw, path)
}

func lookup(tree map[string]any, path string) (any, bool) {
	if tree == nil {
		return nil, false
	}
	key, rest, more := splitFirst(path)
	v, ok := tree[key]
	if !ok {
		return nil, false
	}
	if !more {
		return v, true
	}
	child, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(child, rest)
}

func splitFirst(path string) (head, rest string, more bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}
