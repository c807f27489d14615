package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is ConfigStore (C12): the small set of runtime-mutable documents
// the in-band command layer and ManagementAPI write to directly, distinct
// from the static Config file an operator edits by hand.
//
// Grounded on the same tmp+rename atomic-write idiom as Save in
// config_load.go; reads tolerate a missing or corrupt file by silently
// keeping the zero value (nothing is logged).
type Store struct {
	mu sync.Mutex

	aliasesPath   string
	fallbacksPath string
	heartbeatPath string

	aliases    map[string]string
	fallbacks  []string
	heartbeat  *string
}

// NewStore creates a Store rooted at dataDir and loads any existing documents.
func NewStore(dataDir string) *Store {
	s := &Store{
		aliasesPath:   filepath.Join(dataDir, "model-aliases.json"),
		fallbacksPath: filepath.Join(dataDir, "model-fallbacks.json"),
		heartbeatPath: filepath.Join(dataDir, "heartbeat", "model.json"),
		aliases:       make(map[string]string),
	}
	s.reload()
	return s
}

func (s *Store) reload() {
	if data, err := os.ReadFile(s.aliasesPath); err == nil {
		var m map[string]string
		if json.Unmarshal(data, &m) == nil {
			s.aliases = m
		}
	}
	if data, err := os.ReadFile(s.fallbacksPath); err == nil {
		var list []string
		if json.Unmarshal(data, &list) == nil {
			s.fallbacks = list
		}
	}
	if data, err := os.ReadFile(s.heartbeatPath); err == nil {
		var stored struct {
			Ref *string `json:"ref"`
		}
		if json.Unmarshal(data, &stored) == nil {
			s.heartbeat = stored.Ref
		}
	}
}

// Aliases returns a copy of the name->ref alias map.
func (s *Store) Aliases() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// ResolveAlias resolves name (case-insensitively, non-recursively) to a
// "provider/model" ref, returning ("", false) if name is not a known alias.
func (s *Store) ResolveAlias(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := strings.ToLower(name)
	for k, v := range s.aliases {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return "", false
}

// SetAlias persists a new or updated alias.
func (s *Store) SetAlias(name, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[name] = ref
	return atomicWriteJSON(s.aliasesPath, s.aliases)
}

// RemoveAlias deletes an alias, if present.
func (s *Store) RemoveAlias(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aliases, name)
	return atomicWriteJSON(s.aliasesPath, s.aliases)
}

// Fallbacks returns the persisted fallback chain, ordered.
func (s *Store) Fallbacks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.fallbacks))
	copy(out, s.fallbacks)
	return out
}

// SetFallbacks replaces the persisted fallback chain.
func (s *Store) SetFallbacks(refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks = refs
	return atomicWriteJSON(s.fallbacksPath, s.fallbacks)
}

// ClearFallbacks empties the persisted fallback chain.
func (s *Store) ClearFallbacks() error {
	return s.SetFallbacks(nil)
}

// HeartbeatModel returns the persisted heartbeat model override, or "" if
// none is configured.
func (s *Store) HeartbeatModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat == nil {
		return ""
	}
	return *s.heartbeat
}

// SetHeartbeatModel sets (ref != "") or clears (ref == "") the heartbeat
// model override.
func (s *Store) SetHeartbeatModel(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == "" {
		s.heartbeat = nil
	} else {
		s.heartbeat = &ref
	}
	return atomicWriteJSON(s.heartbeatPath, struct {
		Ref *string `json:"ref"`
	}{Ref: s.heartbeat})
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
