// Package sshshell drives an interactive remote shell opened over a
// connected and authenticated transport.
//
// A Shell sends raw text to the remote PTY and reads the response with the
// polling reader. On top of that it implements the smart console: the remote
// prompt is replaced with a unique marker so the end of every command's
// output can be recognised without guessing, and the echoed command and the
// trailing prompt can be trimmed from the result.
//
// A Shell serialises its public operations; concurrent callers block rather
// than interleave reads and writes on the same channel.
package sshshell

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/logutil"
	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/reader"
	"github.com/gluk-w/smartshell/internal/terminal"
)

// Stream is the primary shell channel: readable without blocking and
// writable.
type Stream interface {
	reader.Handle
	io.Writer
}

// Transport opens shell channels. It must be connected and authenticated
// before a Shell can be created on it.
type Transport interface {
	IsConnected() bool
	IsAuthenticated() bool
	// OpenShell requests a PTY described by term and starts a shell on it.
	// The diagnostic handle is nil when the transport has no separate error
	// stream.
	OpenShell(term *terminal.Descriptor) (Stream, reader.Handle, error)
}

const (
	// DefaultConfirmTimeout bounds the read that confirms a new prompt.
	DefaultConfirmTimeout = 15 * time.Second
	// DefaultDetectTimeout bounds shell-family detection.
	DefaultDetectTimeout = 15 * time.Second
	// DefaultSettlePause is the quiet period that marks a settled shell.
	DefaultSettlePause = time.Second
	// DefaultSettleTimeout bounds the wait for the first byte while settling.
	DefaultSettleTimeout = 5 * time.Second
)

// Option configures a Shell.
type Option func(*Shell)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Shell) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver reports every read to o.
func WithObserver(o reader.Observer) Option {
	return func(s *Shell) {
		s.observer = o
	}
}

// WithRecording captures the session transcript into rec.
func WithRecording(rec *Recording) Option {
	return func(s *Shell) {
		s.recording = rec
	}
}

// WithConfirmTimeout overrides DefaultConfirmTimeout.
func WithConfirmTimeout(d time.Duration) Option {
	return func(s *Shell) {
		s.confirmTimeout = d
	}
}

// WithSettle overrides the settle pause and the settle timeout used before
// shell-family detection.
func WithSettle(pause, timeout time.Duration) Option {
	return func(s *Shell) {
		s.settlePause = pause
		s.settleTimeout = timeout
	}
}

// WithReaderOptions passes options through to the underlying reader.
func WithReaderOptions(opts ...reader.Option) Option {
	return func(s *Shell) {
		s.readerOpts = append(s.readerOpts, opts...)
	}
}

// Shell is an interactive session on a remote shell.
type Shell struct {
	mu sync.Mutex

	id         string
	term       *terminal.Descriptor
	primary    Stream
	diagnostic reader.Handle
	rd         *reader.Reader
	closed     bool

	marker    string
	shellType ShellType
	detected  bool

	logger         *zap.Logger
	observer       reader.Observer
	recording      *Recording
	readerOpts     []reader.Option
	confirmTimeout time.Duration
	settlePause    time.Duration
	settleTimeout  time.Duration
	now            func() time.Time
}

// New opens a shell on t. term may be nil for the default terminal. New
// fails before any channel is opened when t is not connected and
// authenticated.
func New(t Transport, term *terminal.Descriptor, opts ...Option) (*Shell, error) {
	if t == nil || !t.IsConnected() {
		return nil, ErrNotConnected
	}
	if !t.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if term == nil {
		term = terminal.Default()
	}

	s := &Shell{
		id:             uuid.New().String(),
		term:           term,
		shellType:      Unknown,
		logger:         zap.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		settlePause:    DefaultSettlePause,
		settleTimeout:  DefaultSettleTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("shell").With(zap.String("session", s.id))

	primary, diagnostic, err := t.OpenShell(term)
	if err != nil {
		return nil, fmt.Errorf("open shell: %w", err)
	}
	s.primary = primary
	s.diagnostic = diagnostic

	ropts := []reader.Option{reader.WithLogger(s.logger)}
	if s.observer != nil {
		ropts = append(ropts, reader.WithObserver(s.observer))
	}
	ropts = append(ropts, s.readerOpts...)
	s.rd = reader.New(primary, diagnostic, ropts...)

	s.logger.Info("shell opened",
		zap.Stringer("terminal", term),
		zap.Bool("diagnostic", diagnostic != nil),
	)
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Shell) ID() string {
	return s.id
}

// Terminal returns the descriptor the shell was opened with.
func (s *Shell) Terminal() *terminal.Descriptor {
	return s.term
}

// Recording returns the transcript, or nil when recording is disabled.
func (s *Shell) Recording() *Recording {
	return s.recording
}

// Close closes the shell channels. It is safe to call more than once.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if c, ok := s.diagnostic.(io.Closer); ok {
		if err := c.Close(); err != nil {
			firstErr = err
		}
	}
	if c, ok := s.primary.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info("shell closed")
	return firstErr
}

// Send writes text to the shell as is.
func (s *Shell) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(text)
}

// SendLine writes text followed by a newline.
func (s *Shell) SendLine(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(text + "\n")
}

func (s *Shell) send(text string) error {
	if s.closed {
		return ErrClosed
	}
	s.logger.Debug("send", zap.String("text", logutil.SanitizeForLog(text)))
	if s.recording != nil {
		s.recording.RecordInput([]byte(text))
	}
	if _, err := io.WriteString(s.primary, text); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// ReadBytes reads until n bytes arrive or the deadline elapses.
func (s *Shell) ReadBytes(n int, opts reader.ReadOptions) (*output.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(func() (*output.Buffer, error) { return s.rd.ReadBytes(n, opts) })
}

// ReadUntilMarker reads until marker appears anywhere in the output.
func (s *Shell) ReadUntilMarker(marker string, opts reader.ReadOptions) (*output.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(func() (*output.Buffer, error) { return s.rd.ReadUntilMarker(marker, opts) })
}

// ReadUntilEndMarker reads until the output ends with marker.
func (s *Shell) ReadUntilEndMarker(marker string, opts reader.ReadOptions) (*output.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(func() (*output.Buffer, error) { return s.rd.ReadUntilEndMarker(marker, opts) })
}

// ReadUntilExpression reads until re matches the output.
func (s *Shell) ReadUntilExpression(re *regexp.Regexp, opts reader.ReadOptions) (*output.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(func() (*output.Buffer, error) { return s.rd.ReadUntilExpression(re, opts) })
}

// ReadUntilPause reads until the output is quiet for pause.
func (s *Shell) ReadUntilPause(pause time.Duration, opts reader.ReadOptions) (*output.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(func() (*output.Buffer, error) { return s.rd.ReadUntilPause(pause, opts) })
}

// WaitForContent waits for the first byte and then reads until a pause.
func (s *Shell) WaitForContent(pause time.Duration, opts reader.ReadOptions) (*output.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(func() (*output.Buffer, error) { return s.rd.WaitForContent(pause, opts) })
}

// read runs fn with the lock held and records its result.
func (s *Shell) read(fn func() (*output.Buffer, error)) (*output.Buffer, error) {
	if s.closed {
		return output.New(), ErrClosed
	}
	buf, err := fn()
	if s.recording != nil {
		s.recording.RecordBuffer(buf)
	}
	return buf, err
}
