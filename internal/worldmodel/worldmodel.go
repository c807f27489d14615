// Package worldmodel implements the single persistent markdown document
// summarizing durable facts about the user (C4): fixed header block, a
// small set of `## Section` headings, and `- field: value` lines within
// each section.
//
// Grounded on the atomic tmp+rename save idiom from the teacher's
// internal/config/config_load.go Save(); no markdown-parsing library
// appears anywhere in the retrieved pack for structured documents of this
// shape (the teacher only ever templates markdown, never parses it back),
// so a small regexp-based line parser is the corpus-consistent choice here.
package worldmodel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Sections is the fixed schema the document may contain. Unknown sections
// referenced by an update are skipped with a warning, never auto-created.
var Sections = []string{
	"Identity",
	"Current Task",
	"Active Projects",
	"Key Technical Decisions",
	"Preferences & Patterns",
}

const template = `Last updated: %s

## Identity

## Current Task

## Active Projects

## Key Technical Decisions

## Preferences & Patterns
`

// Action is the kind of mutation an Update applies.
type Action string

const (
	ActionReplace Action = "replace"
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
)

// Update describes one world-model mutation.
type Update struct {
	Action  Action `json:"action"`
	Section string `json:"section"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
}

// RemovedLine is returned by applyUpdates for each `remove` action so the
// caller (the Extractor) can archive it to world-model history.
type RemovedLine struct {
	Section string
	Field   string
	Value   string
}

var sectionHeaderRe = regexp.MustCompile(`^## (.+)$`)
var fieldLineRe = regexp.MustCompile(`^\s*-\s*([^:]+):\s*(.*)$`)
var lastUpdatedRe = regexp.MustCompile(`^Last updated: .*$`)

// WorldModel owns the single on-disk document and its in-memory cache.
// Single-writer: only the gateway's main loop touches it.
type WorldModel struct {
	mu    sync.Mutex
	path  string
	cache string
	ready bool
}

// New creates a WorldModel bound to path (not yet loaded).
func New(path string) *WorldModel {
	return &WorldModel{path: path}
}

// Load returns the current document text, reading from disk and caching on
// first call. If the file is missing, it is instantiated from the built-in
// template and persisted.
func (w *WorldModel) Load() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready {
		return w.cache, nil
	}

	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		text := fmt.Sprintf(template, time.Now().UTC().Format(time.RFC3339))
		if err := w.saveLocked(text); err != nil {
			return "", err
		}
		return w.cache, nil
	}
	if err != nil {
		return "", fmt.Errorf("worldmodel: read: %w", err)
	}
	w.cache = string(data)
	w.ready = true
	return w.cache, nil
}

// Save atomically writes text to disk (tmp file + rename), rewriting the
// `Last updated:` header to the current ISO timestamp first.
func (w *WorldModel) Save(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveLocked(text)
}

func (w *WorldModel) saveLocked(text string) error {
	stamped := stampLastUpdated(text, time.Now().UTC().Format(time.RFC3339))

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("worldmodel: mkdir: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(stamped), 0o644); err != nil {
		return fmt.Errorf("worldmodel: write tmp: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("worldmodel: rename: %w", err)
	}
	w.cache = stamped
	w.ready = true
	return nil
}

func stampLastUpdated(text, iso string) string {
	lines := strings.Split(text, "\n")
	stamp := "Last updated: " + iso
	for i, l := range lines {
		if lastUpdatedRe.MatchString(l) {
			lines[i] = stamp
			return strings.Join(lines, "\n")
		}
	}
	return stamp + "\n" + text
}

// ReplaceContent wholesale-saves text.
func (w *WorldModel) ReplaceContent(text string) error {
	return w.Save(text)
}

type document struct {
	header   string
	sections map[string][]string // section name -> lines (excluding the `## Section` heading line)
	order    []string
}

func parse(text string) document {
	doc := document{sections: make(map[string][]string)}
	var header []string
	var current string
	started := false

	for _, line := range strings.Split(text, "\n") {
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil {
			current = strings.TrimSpace(m[1])
			if _, ok := doc.sections[current]; !ok {
				doc.sections[current] = nil
				doc.order = append(doc.order, current)
			}
			started = true
			continue
		}
		if !started {
			header = append(header, line)
			continue
		}
		doc.sections[current] = append(doc.sections[current], line)
	}
	doc.header = strings.Join(header, "\n")
	return doc
}

func (doc document) render() string {
	var b strings.Builder
	b.WriteString(doc.header)
	if !strings.HasSuffix(doc.header, "\n") {
		b.WriteString("\n")
	}
	for _, name := range doc.order {
		b.WriteString("\n## " + name + "\n")
		for _, line := range doc.sections[name] {
			if strings.TrimSpace(line) == "" {
				continue
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func isKnownSection(name string) bool {
	for _, s := range Sections {
		if s == name {
			return true
		}
	}
	return false
}

// ApplyUpdates parses the current text, applies each update in order, and
// saves the result. Returns the lines removed by `remove` actions so the
// caller can archive them. Unknown sections are skipped with a warning.
func (w *WorldModel) ApplyUpdates(updates []Update) ([]RemovedLine, error) {
	current, err := w.Load()
	if err != nil {
		return nil, err
	}
	doc := parse(current)
	var removed []RemovedLine

	for _, u := range updates {
		if !isKnownSection(u.Section) {
			slog.Warn("worldmodel: skipping update for unknown section", "section", u.Section)
			continue // Extractor's job is to respect the fixed schema; we never auto-create.
		}
		switch u.Action {
		case ActionReplace:
			applyReplace(&doc, u)
		case ActionAdd:
			doc.sections[u.Section] = append(doc.sections[u.Section], fmt.Sprintf("- %s: %s", u.Field, u.Value))
		case ActionRemove:
			if rl, ok := applyRemove(&doc, u); ok {
				removed = append(removed, rl)
			}
		}
	}

	if err := w.Save(doc.render()); err != nil {
		return nil, err
	}
	return removed, nil
}

func applyReplace(doc *document, u Update) {
	lines := doc.sections[u.Section]
	for i, line := range lines {
		if m := fieldLineRe.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[1]) == u.Field {
			lines[i] = fmt.Sprintf("- %s: %s", u.Field, u.Value)
			doc.sections[u.Section] = lines
			return
		}
	}
	doc.sections[u.Section] = append(lines, fmt.Sprintf("- %s: %s", u.Field, u.Value))
}

func applyRemove(doc *document, u Update) (RemovedLine, bool) {
	lines := doc.sections[u.Section]
	for i, line := range lines {
		if m := fieldLineRe.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[1]) == u.Field {
			rl := RemovedLine{Section: u.Section, Field: u.Field, Value: strings.TrimSpace(m[2])}
			doc.sections[u.Section] = append(lines[:i], lines[i+1:]...)
			return rl, true
		}
	}
	return RemovedLine{}, false
}
