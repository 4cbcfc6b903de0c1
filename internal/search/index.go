// Package search answers incremental substring queries over the history
// collection without blocking the interactive caller. The index is rebuilt
// wholesale whenever history changes; queries are debounced and token-guarded
// so a slow stale scan can never overwrite a newer query's results.
package search

import (
	"strings"
	"sync"

	"screenlens/internal/history"
)

type entry struct {
	record           history.Record
	summaryLower     string
	instructionLower string
}

// Index holds case-normalized copies of every record. Build swaps the whole
// entry set atomically; there is no incremental patching.
type Index struct {
	mu      sync.RWMutex
	entries []entry
}

func NewIndex() *Index {
	return &Index{}
}

// Build replaces the index contents from a fresh history snapshot.
func (idx *Index) Build(records []history.Record) {
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entry{
			record:           rec,
			summaryLower:     strings.ToLower(rec.Summary),
			instructionLower: strings.ToLower(rec.Instruction),
		})
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()
}

// Scan returns the records whose summary or instruction contains the query,
// case-insensitively, preserving collection order. An empty query matches
// nothing.
func (idx *Index) Scan(query string) []history.Record {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []history.Record
	for _, e := range idx.entries {
		if strings.Contains(e.summaryLower, q) || strings.Contains(e.instructionLower, q) {
			out = append(out, e.record)
		}
	}
	return out
}

// Len reports the number of indexed records.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
