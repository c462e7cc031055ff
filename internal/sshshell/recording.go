package sshshell

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gluk-w/smartshell/internal/output"
)

// Recording entry types.
const (
	EntryInput      = "i"
	EntryOutput     = "o"
	EntryDiagnostic = "e"
)

// RecordingEntry is one timestamped event of a shell transcript, loosely
// following asciinema v2 events.
type RecordingEntry struct {
	// Elapsed is the time since the recording started, in seconds.
	Elapsed float64 `json:"elapsed"`
	// Type is "i" for input, "o" for primary output, "e" for diagnostic output.
	Type string `json:"type"`
	Data string `json:"data"`
}

// Recording captures everything sent to and read from a shell. It is safe
// for concurrent use.
type Recording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
}

// NewRecording creates a recording. maxEntries <= 0 means unbounded; once
// the limit is reached further events are dropped.
func NewRecording(maxEntries int) *Recording {
	return &Recording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
	}
}

func (r *Recording) add(typ string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		return
	}
	r.entries = append(r.entries, RecordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    typ,
		Data:    string(data),
	})
}

// RecordInput adds an input event.
func (r *Recording) RecordInput(data []byte) {
	r.add(EntryInput, data)
}

// RecordOutput adds an output event for the given channel.
func (r *Recording) RecordOutput(ch output.Channel, data []byte) {
	typ := EntryOutput
	if ch == output.Diagnostic {
		typ = EntryDiagnostic
	}
	r.add(typ, data)
}

// RecordBuffer adds one output event per record of buf.
func (r *Recording) RecordBuffer(buf *output.Buffer) {
	if buf == nil {
		return
	}
	buf.Each(func(_ int, ch output.Channel, data []byte) {
		r.RecordOutput(ch, data)
	})
}

// Entries returns a copy of all entries.
func (r *Recording) Entries() []RecordingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]RecordingEntry, len(r.entries))
	copy(result, r.entries)
	return result
}

// EntryCount returns the number of entries.
func (r *Recording) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ExportJSON returns the entries as a JSON array.
func (r *Recording) ExportJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.entries)
}
