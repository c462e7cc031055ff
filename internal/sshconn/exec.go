package sshconn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/smartshell/internal/logutil"
	"github.com/gluk-w/smartshell/internal/terminal"
)

// ExecutionStream is a command started on an exec channel. Stdout can be
// streamed with Read or collected once with Output. Stderr is buffered.
type ExecutionStream struct {
	command string
	session *ssh.Session
	stdout  io.Reader
	stderr  *syncBuffer

	mu       sync.Mutex
	consumed bool

	waitOnce sync.Once
	waitErr  error
	exitCode int
}

// Execute runs command on a new exec channel. term supplies the environment
// and, when pty is true, the PTY size and type; nil means the default
// terminal.
func (c *Connection) Execute(command string, term *terminal.Descriptor, pty bool) (*ExecutionStream, error) {
	client := c.sshClient()
	if client == nil {
		if !c.IsConnected() {
			return nil, ErrNotConnected
		}
		return nil, ErrNotAuthenticated
	}
	if term == nil {
		term = terminal.Default()
	}

	session, err := c.newSession(client, term, pty)
	if err != nil {
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &syncBuffer{}
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", logutil.SanitizeForLog(command), err)
	}
	c.logger.Debug("exec started",
		zap.String("command", logutil.SanitizeForLog(command)),
		zap.Bool("pty", pty),
	)

	return &ExecutionStream{
		command:  command,
		session:  session,
		stdout:   stdout,
		stderr:   stderr,
		exitCode: -1,
	}, nil
}

// Command returns the command line being executed.
func (e *ExecutionStream) Command() string { return e.command }

// Read streams stdout.
func (e *ExecutionStream) Read(p []byte) (int, error) {
	return e.stdout.Read(p)
}

// Output reads stdout to the end and waits for the command to exit. A
// non-zero exit status is not an error; see ExitCode. The output can be
// collected only once; later calls return ErrAlreadyConsumed.
func (e *ExecutionStream) Output() (string, error) {
	e.mu.Lock()
	if e.consumed {
		e.mu.Unlock()
		return "", ErrAlreadyConsumed
	}
	e.consumed = true
	e.mu.Unlock()

	data, err := io.ReadAll(e.stdout)
	if err != nil {
		return string(data), fmt.Errorf("read output: %w", err)
	}
	if err := e.Wait(); err != nil {
		return string(data), err
	}
	return string(data), nil
}

// Wait blocks until the command exits. Exit status errors are recorded in
// ExitCode and not returned.
func (e *ExecutionStream) Wait() error {
	e.waitOnce.Do(func() {
		err := e.session.Wait()
		code := -1
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			code = 0
		case errors.As(err, &exitErr):
			code = exitErr.ExitStatus()
		default:
			e.waitErr = fmt.Errorf("wait for %q: %w", logutil.SanitizeForLog(e.command), err)
		}
		e.mu.Lock()
		e.exitCode = code
		e.mu.Unlock()
	})
	return e.waitErr
}

// ExitCode returns the exit status, or -1 before Wait returns or when the
// server sent none. It is safe to call while Wait runs.
func (e *ExecutionStream) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode
}

// Stderr returns what the command wrote to stderr so far.
func (e *ExecutionStream) Stderr() string {
	return e.stderr.String()
}

// Close ends the exec channel.
func (e *ExecutionStream) Close() error {
	err := e.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// syncBuffer is a bytes.Buffer safe for the session's stderr copier and a
// concurrent reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
