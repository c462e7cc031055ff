// Package output provides the channel-tagged buffer produced by every shell
// read operation.
//
// A Buffer is an ordered list of records. Each record holds the chunk of bytes
// returned by one read together with the channel it came from (primary output
// or diagnostic output). Records are never merged or reordered, so the buffer
// can reproduce both the interleaved transcript and each channel on its own.
package output

import (
	"fmt"
	"strings"
)

// Channel identifies the logical stream a chunk was read from.
type Channel int

const (
	// Primary is the shell's standard output (and echoed input on a PTY).
	Primary Channel = 0
	// Diagnostic is the shell's standard error.
	Diagnostic Channel = 1
)

// String returns the string representation of a Channel.
func (c Channel) String() string {
	switch c {
	case Primary:
		return "primary"
	case Diagnostic:
		return "diagnostic"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// IsValid returns true if the channel is one of the defined constants.
func (c Channel) IsValid() bool {
	return c == Primary || c == Diagnostic
}

// Stream selects which channels a read polls.
type Stream int

const (
	// Combined polls both channels, diagnostic first.
	Combined Stream = iota
	// PrimaryOnly polls only the primary channel.
	PrimaryOnly
	// DiagnosticOnly polls only the diagnostic channel.
	DiagnosticOnly
)

// String returns the string representation of a Stream.
func (s Stream) String() string {
	switch s {
	case Combined:
		return "combined"
	case PrimaryOnly:
		return "primary"
	case DiagnosticOnly:
		return "diagnostic"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// ParseStream converts "combined", "primary" or "diagnostic" to a Stream.
// The empty string is Combined.
func ParseStream(s string) (Stream, error) {
	switch s {
	case "", "combined":
		return Combined, nil
	case "primary", "stdout":
		return PrimaryOnly, nil
	case "diagnostic", "stderr":
		return DiagnosticOnly, nil
	default:
		return Combined, fmt.Errorf("unknown stream %q", s)
	}
}

// Channels returns the channels polled for this stream, in poll order.
func (s Stream) Channels() []Channel {
	switch s {
	case PrimaryOnly:
		return []Channel{Primary}
	case DiagnosticOnly:
		return []Channel{Diagnostic}
	default:
		return []Channel{Diagnostic, Primary}
	}
}

// Record is a single chunk of data tagged with its channel.
type Record struct {
	Channel Channel
	Data    []byte
}

// Buffer accumulates channel-tagged records in arrival order.
//
// The full interleaved content is kept alongside the records so predicates
// evaluated after every append do not rebuild it. A Buffer is not safe for
// concurrent mutation; the reader fills it, callers only inspect it.
type Buffer struct {
	records []Record
	all     []byte
	sizes   [2]int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// FromRecords returns a buffer pre-seeded with the given records. The chunks
// are copied.
func FromRecords(records []Record) *Buffer {
	b := &Buffer{records: make([]Record, 0, len(records))}
	for _, r := range records {
		b.Add(r.Channel, r.Data)
	}
	return b
}

// Concat returns a new buffer holding the records of each buffer in order.
// Nil buffers are skipped.
func Concat(buffers ...*Buffer) *Buffer {
	out := New()
	for _, b := range buffers {
		if b == nil {
			continue
		}
		for _, r := range b.records {
			out.Add(r.Channel, r.Data)
		}
	}
	return out
}

// Add appends data to a channel. Empty chunks are recorded too so the
// record list mirrors exactly what was added. Data for an undefined channel
// is dropped.
func (b *Buffer) Add(ch Channel, data []byte) {
	if !ch.IsValid() {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	b.records = append(b.records, Record{Channel: ch, Data: chunk})
	b.all = append(b.all, chunk...)
	b.sizes[ch] += len(chunk)
}

// AddString appends a string to a channel.
func (b *Buffer) AddString(ch Channel, s string) {
	b.Add(ch, []byte(s))
}

// AddLine appends text followed by a newline to a channel.
func (b *Buffer) AddLine(ch Channel, text string) {
	b.Add(ch, []byte(text+"\n"))
}

// All returns the full content of every channel in arrival order.
func (b *Buffer) All() string {
	return string(b.all)
}

// Channel returns the content of a single channel in arrival order.
func (b *Buffer) Channel(ch Channel) string {
	var sb strings.Builder
	sb.Grow(b.SizeOf(ch))
	for _, r := range b.records {
		if r.Channel == ch {
			sb.Write(r.Data)
		}
	}
	return sb.String()
}

// Size returns the number of bytes across all channels.
func (b *Buffer) Size() int {
	return len(b.all)
}

// SizeOf returns the number of bytes recorded on one channel.
func (b *Buffer) SizeOf(ch Channel) int {
	if !ch.IsValid() {
		return 0
	}
	return b.sizes[ch]
}

// Len returns the number of records.
func (b *Buffer) Len() int {
	return len(b.records)
}

// Records returns a copy of the records in arrival order. Each call returns a
// fresh slice reflecting the buffer at call time.
func (b *Buffer) Records() []Record {
	out := make([]Record, len(b.records))
	for i, r := range b.records {
		data := make([]byte, len(r.Data))
		copy(data, r.Data)
		out[i] = Record{Channel: r.Channel, Data: data}
	}
	return out
}

// Each calls fn for every record in arrival order. fn must not retain or
// modify data.
func (b *Buffer) Each(fn func(index int, ch Channel, data []byte)) {
	for i, r := range b.records {
		fn(i, r.Channel, r.Data)
	}
}

// Contains reports whether s appears anywhere in the interleaved content.
func (b *Buffer) Contains(s string) bool {
	return strings.Contains(string(b.all), s)
}

// HasSuffix reports whether the interleaved content ends with s.
func (b *Buffer) HasSuffix(s string) bool {
	if len(s) > len(b.all) {
		return false
	}
	return string(b.all[len(b.all)-len(s):]) == s
}

// String returns the full interleaved content.
func (b *Buffer) String() string {
	return b.All()
}
