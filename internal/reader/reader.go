// Package reader implements the deadline-bound polling reader used to drive
// an interactive shell.
//
// A Reader owns no goroutines. Every read operation polls the configured
// handles in a fixed order (diagnostic before primary), appends whatever
// arrives to an output.Buffer and evaluates a stop condition against the
// full accumulated content after every append. When nothing arrives the loop
// sleeps for a short, exponentially growing interval so an idle shell does
// not spin the CPU.
//
// Deadlines are idle deadlines: the clock restarts every time a non-empty
// chunk is read. Reaching the deadline is not an error; the partial buffer is
// returned with a nil error.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/output"
)

// DefaultChunkSize is the largest number of bytes requested from a handle in
// a single poll.
const DefaultChunkSize = 8192

var (
	// ErrClosed is returned when every polled handle has reached EOF.
	ErrClosed = errors.New("all handles closed")
	// ErrNoSource is returned when the selected stream has no handle.
	ErrNoSource = errors.New("no handle for selected stream")
)

var crlf, lf = []byte("\r\n"), []byte("\n")

// Handle is a non-blocking byte source. TryRead returns 0, nil when nothing
// is pending and io.EOF once the source is exhausted.
type Handle interface {
	TryRead(p []byte) (int, error)
}

// Source pairs a handle with the channel its bytes are tagged with.
type Source struct {
	Channel output.Channel
	Handle  Handle
}

// ReadOptions control a single read operation.
type ReadOptions struct {
	// Timeout is the idle deadline. Zero means no deadline.
	Timeout time.Duration
	// NormalizeEOL converts CRLF to LF in every chunk before it is stored.
	NormalizeEOL bool
	// Stream selects the handles to poll.
	Stream output.Stream
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used for read diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers an observer notified after every read.
func WithObserver(o Observer) Option {
	return func(r *Reader) {
		r.observer = o
	}
}

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithPollInterval sets the first and the largest sleep between empty polls.
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(r *Reader) {
		if initial > 0 {
			r.pollInitial = initial
		}
		if maxInterval >= r.pollInitial {
			r.pollMax = maxInterval
		}
	}
}

// Reader polls a primary and an optional diagnostic handle.
type Reader struct {
	primary     Handle
	diagnostic  Handle
	logger      *zap.Logger
	observer    Observer
	chunkSize   int
	pollInitial time.Duration
	pollMax     time.Duration
}

// New creates a Reader. diagnostic may be nil when the transport does not
// provide a separate error stream.
func New(primary, diagnostic Handle, opts ...Option) *Reader {
	r := &Reader{
		primary:     primary,
		diagnostic:  diagnostic,
		logger:      zap.NewNop(),
		chunkSize:   DefaultChunkSize,
		pollInitial: defaultPollInitial,
		pollMax:     defaultPollMax,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("reader")
	return r
}

// ReadBytes reads until at least n bytes have arrived across the polled
// channels. Each poll asks for no more than the bytes still missing, so with
// no deadline the result holds exactly n bytes.
func (r *Reader) ReadBytes(n int, opts ReadOptions) (*output.Buffer, error) {
	if n <= 0 {
		return r.finish(ModeBytes, output.New(), time.Now(), OutcomeMatched, nil)
	}
	return r.poll(ModeBytes, opts, opts.Timeout, n, func(buf *output.Buffer) bool {
		return buf.Size() >= n
	})
}

// ReadUntilMarker reads until marker appears anywhere in the output.
func (r *Reader) ReadUntilMarker(marker string, opts ReadOptions) (*output.Buffer, error) {
	return r.poll(ModeMarker, opts, opts.Timeout, 0, func(buf *output.Buffer) bool {
		return buf.Contains(marker)
	})
}

// ReadUntilEndMarker reads until the output ends with marker. A marker that
// arrives followed by more bytes in the same chunk does not match.
func (r *Reader) ReadUntilEndMarker(marker string, opts ReadOptions) (*output.Buffer, error) {
	return r.poll(ModeEndMarker, opts, opts.Timeout, 0, func(buf *output.Buffer) bool {
		return buf.HasSuffix(marker)
	})
}

// ReadUntilExpression reads until re matches the output.
func (r *Reader) ReadUntilExpression(re *regexp.Regexp, opts ReadOptions) (*output.Buffer, error) {
	if re == nil {
		return nil, fmt.Errorf("read until expression: nil expression")
	}
	return r.poll(ModeExpression, opts, opts.Timeout, 0, func(buf *output.Buffer) bool {
		return re.MatchString(buf.All())
	})
}

// ReadUntilPause reads until no new bytes arrive for pause. opts.Timeout is
// ignored; the pause is the deadline.
func (r *Reader) ReadUntilPause(pause time.Duration, opts ReadOptions) (*output.Buffer, error) {
	if pause <= 0 {
		return r.finish(ModePause, output.New(), time.Now(), OutcomeMatched, nil)
	}
	return r.poll(ModePause, opts, pause, 0, nil)
}

// WaitForContent blocks until at least one byte arrives (bounded by
// opts.Timeout) and then keeps reading until the output pauses.
func (r *Reader) WaitForContent(pause time.Duration, opts ReadOptions) (*output.Buffer, error) {
	pre, err := r.ReadBytes(1, opts)
	if err != nil {
		return pre, err
	}
	post, err := r.ReadUntilPause(pause, opts)
	return output.Concat(pre, post), err
}

func (r *Reader) sources(stream output.Stream) []Source {
	var active []Source
	for _, ch := range stream.Channels() {
		h := r.primary
		if ch == output.Diagnostic {
			h = r.diagnostic
		}
		if h != nil {
			active = append(active, Source{Channel: ch, Handle: h})
		}
	}
	return active
}

// poll is the shared read loop. idle is the idle deadline (0 = none), limit
// caps the total bytes requested (0 = no cap) and done is the stop condition
// (nil = stop only on deadline).
func (r *Reader) poll(mode Mode, opts ReadOptions, idle time.Duration, limit int, done func(*output.Buffer) bool) (*output.Buffer, error) {
	start := time.Now()
	buf := output.New()

	active := r.sources(opts.Stream)
	if len(active) == 0 {
		return r.finish(mode, buf, start, OutcomeError, fmt.Errorf("%s: %w", opts.Stream, ErrNoSource))
	}

	pacer := newPacer(r.pollInitial, r.pollMax)
	p := make([]byte, r.chunkSize)
	lastData := start

	for {
		got := false
		for i := 0; i < len(active); {
			src := active[i]
			size := len(p)
			if limit > 0 && limit-buf.Size() < size {
				size = limit - buf.Size()
			}

			n, err := src.Handle.TryRead(p[:size])
			if n > 0 {
				chunk := p[:n]
				if opts.NormalizeEOL {
					chunk = bytes.ReplaceAll(chunk, crlf, lf)
				}
				buf.Add(src.Channel, chunk)
				got = true
				lastData = time.Now()

				if done != nil && done(buf) {
					return r.finish(mode, buf, start, OutcomeMatched, nil)
				}
			}

			if err != nil {
				if errors.Is(err, io.EOF) {
					r.logger.Debug("handle reached EOF", zap.Stringer("channel", src.Channel))
					active = append(active[:i], active[i+1:]...)
					continue
				}
				return r.finish(mode, buf, start, OutcomeError, fmt.Errorf("read %s: %w", src.Channel, err))
			}
			i++
		}

		if len(active) == 0 {
			return r.finish(mode, buf, start, OutcomeClosed, ErrClosed)
		}

		if got {
			pacer.Reset()
			continue
		}

		wait := pacer.NextBackOff()
		if idle > 0 {
			remaining := idle - time.Since(lastData)
			if remaining <= 0 {
				outcome := OutcomeDeadline
				if done == nil {
					outcome = OutcomeMatched
				}
				return r.finish(mode, buf, start, outcome, nil)
			}
			if wait > remaining {
				wait = remaining
			}
		}
		time.Sleep(wait)
	}
}

func (r *Reader) finish(mode Mode, buf *output.Buffer, start time.Time, outcome Outcome, err error) (*output.Buffer, error) {
	report := Report{
		Mode:            mode,
		Outcome:         outcome,
		PrimaryBytes:    buf.SizeOf(output.Primary),
		DiagnosticBytes: buf.SizeOf(output.Diagnostic),
		Duration:        time.Since(start),
	}

	if ce := r.logger.Check(zap.DebugLevel, "read finished"); ce != nil {
		ce.Write(
			zap.String("mode", string(mode)),
			zap.String("outcome", string(outcome)),
			zap.Int("bytes", buf.Size()),
			zap.Duration("duration", report.Duration),
			zap.String("tail", tail(buf.All(), 64)),
		)
	}

	if r.observer != nil {
		r.observer.ObserveRead(report)
	}
	return buf, err
}

func tail(s string, n int) string {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return strings.ToValidUTF8(s, "?")
}
