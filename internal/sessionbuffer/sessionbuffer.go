// Package sessionbuffer implements the in-memory bounded FIFO of recent
// turns per session (C2). It is the fast path ContextAssembler reads from;
// anything that overflows is hand-off to the caller to persist in Archive.
//
// Grounded on the teacher's internal/sessions.Manager, which keeps an
// in-memory map[string]*Session guarded by a single sync.RWMutex — the same
// single-writer-loop shape, narrowed here to pure buffer semantics (no
// metadata, no persistence: SessionLog and Archive own those concerns).
package sessionbuffer

import (
	"sync"

	"github.com/marrow-labs/homegate/internal/sessionlog"
)

// DefaultCapacity is N in the specification (conversationHistory default).
const DefaultCapacity = 10

// Buffer is the process-wide bounded per-session turn buffer.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	sessions map[string][]sessionlog.Turn
}

// New creates a Buffer with the given per-session capacity N.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, sessions: make(map[string][]sessionlog.Turn)}
}

// Append adds turn to key's buffer. If the buffer now exceeds capacity, the
// oldest turns are removed and returned as an eviction batch, ordered
// oldest-first; the caller is responsible for archiving them.
func (b *Buffer) Append(key string, turn sessionlog.Turn) []sessionlog.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	turns := append(b.sessions[key], turn)
	var evicted []sessionlog.Turn
	if over := len(turns) - b.capacity; over > 0 {
		evicted = append(evicted, turns[:over]...)
		turns = turns[over:]
	}
	b.sessions[key] = turns
	return evicted
}

// GetTurns returns a copy of the current buffered turns for key, in
// chronological order. May be empty.
func (b *Buffer) GetTurns(key string) []sessionlog.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	turns := b.sessions[key]
	out := make([]sessionlog.Turn, len(turns))
	copy(out, turns)
	return out
}

// IsEmpty reports whether key currently has no buffered turns.
func (b *Buffer) IsEmpty(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[key]) == 0
}

// Restore replaces key's buffer with turns, clamped to the last N entries.
// Used by SessionRouter's lazy re-hydration from Archive.
func (b *Buffer) Restore(key string, turns []sessionlog.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if over := len(turns) - b.capacity; over > 0 {
		turns = turns[over:]
	}
	cp := make([]sessionlog.Turn, len(turns))
	copy(cp, turns)
	b.sessions[key] = cp
}

// Flush removes and returns all buffered turns for key.
func (b *Buffer) Flush(key string) []sessionlog.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	turns := b.sessions[key]
	delete(b.sessions, key)
	return turns
}

// FlushAll removes and returns every session's buffered turns. Used on
// graceful shutdown to drain everything into the Archive.
func (b *Buffer) FlushAll() map[string][]sessionlog.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.sessions
	b.sessions = make(map[string][]sessionlog.Turn)
	return out
}
