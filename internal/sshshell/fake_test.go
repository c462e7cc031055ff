package sshshell

import (
	"strings"
	"sync"

	"github.com/gluk-w/smartshell/internal/reader"
	"github.com/gluk-w/smartshell/internal/terminal"
)

// pipe is an in-memory non-blocking handle. A single TryRead never spans
// two pushes, so tests control chunk boundaries.
type pipe struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (p *pipe) push(s string) {
	if s == "" {
		return
	}
	p.mu.Lock()
	p.chunks = append(p.chunks, []byte(s))
	p.mu.Unlock()
}

func (p *pipe) TryRead(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	p.chunks[0] = p.chunks[0][n:]
	if len(p.chunks[0]) == 0 {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// fakeShell emulates a remote login shell behind a PTY: it echoes every
// line it receives, answers "echo $0", honours prompt assignments in its
// own syntax and prints the prompt after each command.
type fakeShell struct {
	pipe
	stderr *pipe

	mu       sync.Mutex
	name     string
	cshell   bool
	prompt   string
	pending  string
	lines    []string
	commands map[string]fakeResult
	silent   bool
	// splitCRLF breaks the probe echo between its CR and LF.
	splitCRLF bool
}

type fakeResult struct {
	stdout string
	stderr string
}

func newFakeShell(name string) *fakeShell {
	f := &fakeShell{
		stderr:   &pipe{},
		name:     name,
		cshell:   strings.HasSuffix(name, "csh"),
		prompt:   "user@host:~$ ",
		commands: make(map[string]fakeResult),
	}
	f.push("Last login: Mon Oct 19 09:00:00 2026\r\n" + f.prompt)
	return f
}

func (f *fakeShell) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending += string(b)
	for {
		i := strings.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		line := f.pending[:i]
		f.pending = f.pending[i+1:]
		f.lines = append(f.lines, line)
		f.execute(line)
	}
	return len(b), nil
}

func (f *fakeShell) execute(line string) {
	if f.silent {
		return
	}
	out := line + "\r\n"
	var errOut string

	switch {
	case line == "echo $0" && f.splitCRLF:
		f.push(line + "\r")
		out = "\n" + f.name + "\r\n"
	case line == "echo $0":
		out += f.name + "\r\n"
	case !f.cshell && strings.HasPrefix(line, `export PS1="`):
		f.prompt = strings.TrimSuffix(strings.TrimPrefix(line, `export PS1="`), `"`)
	case f.cshell && strings.HasPrefix(line, `set prompt="`):
		f.prompt = strings.TrimSuffix(strings.TrimPrefix(line, `set prompt="`), `"`)
	default:
		if res, ok := f.commands[line]; ok {
			out += res.stdout
			errOut = res.stderr
		} else if line != "" {
			out += strings.Fields(line)[0] + ": command not found\r\n"
		}
	}

	if errOut != "" {
		f.stderr.push(errOut)
	}
	f.push(out + f.prompt)
}

func (f *fakeShell) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeShell) count(line string) int {
	n := 0
	for _, l := range f.sent() {
		if l == line {
			n++
		}
	}
	return n
}

// fakeTransport hands out a single fakeShell.
type fakeTransport struct {
	connected     bool
	authenticated bool
	shell         *fakeShell
	opened        int
	term          *terminal.Descriptor
}

func (t *fakeTransport) IsConnected() bool     { return t.connected }
func (t *fakeTransport) IsAuthenticated() bool { return t.authenticated }

func (t *fakeTransport) OpenShell(term *terminal.Descriptor) (Stream, reader.Handle, error) {
	t.opened++
	t.term = term
	return t.shell, t.shell.stderr, nil
}
