package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gluk-w/smartshell/internal/config"
	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/sshconn"
	"github.com/gluk-w/smartshell/internal/sshshell"
	"github.com/gluk-w/smartshell/internal/terminal"
)

func (o *rootOptions) credential() (sshconn.Credential, error) {
	s := o.settings
	if s.KeyPath != "" {
		return sshconn.NewKeyCredential(s.User, s.KeyPath, s.KeyPassphrase)
	}
	password := s.Password
	if password == "" && o.askPassword {
		p, err := o.readPassword(fmt.Sprintf("%s@%s's password: ", s.User, s.Host))
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		password = p
	}
	return sshconn.NewPasswordCredential(s.User, password), nil
}

// readPassword reads without echo from a terminal, or a plain line from
// anything else.
func (o *rootOptions) readPassword(prompt string) (string, error) {
	fmt.Fprint(o.stderr, prompt)
	if fd, ok := terminalFd(o.stdin); ok {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(o.stderr)
		return string(b), err
	}
	line, err := o.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func terminalFd(v interface{}) (int, bool) {
	f, ok := v.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	return int(f.Fd()), true
}

func (o *rootOptions) connOptions() []sshconn.Option {
	return []sshconn.Option{
		sshconn.WithLogger(o.logger.Logger),
		sshconn.WithConnectTimeout(o.settings.ConnectTimeout),
		sshconn.WithKeepalive(o.settings.KeepaliveInterval),
		sshconn.WithStateCallback(o.metrics.ObserveStateChange),
	}
}

// dial walks the jump hosts and returns a connected, not yet authenticated
// connection to the target. Every jump host is authenticated. The expected
// fingerprint applies to the target only.
func (o *rootOptions) dial(ctx context.Context) (*sshconn.Connection, error) {
	s := o.settings
	if err := s.Validate(); err != nil {
		return nil, err
	}
	cred, err := o.credential()
	if err != nil {
		return nil, err
	}

	hops := append(append([]string(nil), s.JumpHosts...), net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	var conn *sshconn.Connection
	for i, hop := range hops {
		host, port, err := config.ParseHostPort(hop, s.Port)
		if err != nil {
			return nil, err
		}
		fingerprint := ""
		if i == len(hops)-1 {
			fingerprint = s.Fingerprint
		}

		if conn == nil {
			conn = sshconn.New(host, port, cred, o.connOptions()...)
			if err := conn.Connect(ctx, fingerprint); err != nil {
				return nil, err
			}
		} else {
			next, err := conn.Tunnel(ctx, host, port, cred,
				append(o.connOptions(), sshconn.WithExpectedFingerprint(fingerprint))...)
			if err != nil {
				conn.DisconnectChain()
				return nil, err
			}
			conn = next
		}

		if i < len(hops)-1 {
			if err := conn.Authenticate(); err != nil {
				conn.DisconnectChain()
				return nil, fmt.Errorf("jump host %s: %w", hop, err)
			}
		}
	}
	return conn, nil
}

// connect returns an authenticated connection to the target. The caller
// owns the whole chain.
func (o *rootOptions) connect(ctx context.Context) (*sshconn.Connection, error) {
	conn, err := o.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Authenticate(); err != nil {
		conn.DisconnectChain()
		return nil, err
	}
	return conn, nil
}

// terminal builds the descriptor from the settings. When no size was given
// on the command line and stdout is a terminal, its size is used.
func (o *rootOptions) terminal() (*terminal.Descriptor, error) {
	s := o.settings
	if o.flags.TerminalWidth == 0 && o.flags.TerminalHeight == 0 && s.TerminalUnit != terminal.Pixels.String() {
		if fd, ok := terminalFd(o.stdout); ok {
			if w, h, err := term.GetSize(fd); err == nil && w > 0 && h > 0 {
				s.TerminalWidth = min(w, terminal.MaxColumns)
				s.TerminalHeight = min(h, terminal.MaxRows)
			}
		}
	}
	return s.Terminal()
}

// openShell opens a shell on conn with the CLI's observer, settle pause and
// optional recording.
func (o *rootOptions) openShell(conn *sshconn.Connection, rec *sshshell.Recording) (*sshshell.Shell, error) {
	td, err := o.terminal()
	if err != nil {
		return nil, err
	}
	opts := []sshshell.Option{
		sshshell.WithObserver(o.metrics),
		sshshell.WithSettle(o.settings.SettlePause, sshshell.DefaultSettleTimeout),
	}
	if rec != nil {
		opts = append(opts, sshshell.WithRecording(rec))
	}
	sh, err := conn.Shell(td, opts...)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("shell ready", zap.String("session", sh.ID()))
	return sh, nil
}

// writeBuffer writes primary records to stdout and diagnostic records to
// stderr, in arrival order.
func (o *rootOptions) writeBuffer(buf *output.Buffer) {
	buf.Each(func(_ int, ch output.Channel, data []byte) {
		if ch == output.Diagnostic {
			o.stderr.Write(data)
			return
		}
		o.stdout.Write(data)
	})
}
