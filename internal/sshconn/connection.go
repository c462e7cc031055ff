// Package sshconn is the SSH transport under sshshell. A Connection dials
// and authenticates in two explicit steps, verifies the host key against an
// optional expected fingerprint, opens shells and exec channels, and can
// tunnel to further hosts to form a chain of connections.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/smartshell/internal/reader"
	"github.com/gluk-w/smartshell/internal/sshkeys"
	"github.com/gluk-w/smartshell/internal/sshshell"
	"github.com/gluk-w/smartshell/internal/terminal"
)

const (
	// DefaultPort is the SSH port used when none is given.
	DefaultPort = 22
	// DefaultConnectTimeout bounds the TCP dial and the SSH handshake.
	DefaultConnectTimeout = 10 * time.Second
)

// Fingerprint formats, re-exported for callers that only import sshconn.
const (
	FingerprintMD5    = sshkeys.FingerprintMD5
	FingerprintSHA256 = sshkeys.FingerprintSHA256
)

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.base = logger
		}
	}
}

// WithConnectTimeout bounds the dial and the handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithKeepalive sends keepalive@openssh.com requests every interval once
// authenticated. A failed keepalive drops the connection. Zero disables it.
func WithKeepalive(interval time.Duration) Option {
	return func(c *Connection) {
		c.keepaliveInterval = interval
	}
}

// WithExpectedFingerprint sets the host key fingerprint checked during
// Authenticate. Connect overrides it when given a non-empty fingerprint.
func WithExpectedFingerprint(fingerprint string) Option {
	return func(c *Connection) {
		c.fingerprint = fingerprint
	}
}

// WithStateCallback registers cb before the connection makes its first
// transition.
func WithStateCallback(cb StateCallback) Option {
	return func(c *Connection) {
		c.state.onChange(cb)
	}
}

// Connection is one SSH connection, possibly tunneled through a parent.
type Connection struct {
	mu sync.Mutex

	id   string
	host string
	port int
	cred Credential

	base   *zap.Logger
	logger *zap.Logger

	connectTimeout    time.Duration
	keepaliveInterval time.Duration

	parent          *Connection
	netConn         net.Conn
	client          *ssh.Client
	hostKey         ssh.PublicKey
	fingerprint     string
	cancelKeepalive context.CancelFunc

	state *stateTracker
}

// New creates a disconnected connection to host:port. A port of zero means
// DefaultPort.
func New(host string, port int, cred Credential, opts ...Option) *Connection {
	if port == 0 {
		port = DefaultPort
	}
	id := uuid.New().String()
	c := &Connection{
		id:             id,
		host:           host,
		port:           port,
		cred:           cred,
		base:           zap.NewNop(),
		connectTimeout: DefaultConnectTimeout,
		state:          newStateTracker(id),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.base.Named("ssh").With(
		zap.String("conn", c.id),
		zap.String("addr", c.Addr()),
	)
	return c
}

// NewTunneled wraps conn, a stream already opened through parent, as a
// connected but unauthenticated connection to host:port.
func NewTunneled(conn net.Conn, parent *Connection, host string, port int, cred Credential, opts ...Option) *Connection {
	c := New(host, port, cred, opts...)
	c.parent = parent
	c.netConn = conn
	c.state.set(StateConnected)
	c.logger.Info("tunnel opened", zap.String("via", parent.Addr()))
	return c
}

// ID returns the connection identifier used in logs.
func (c *Connection) ID() string { return c.id }

// Host returns the remote host.
func (c *Connection) Host() string { return c.host }

// Port returns the remote port.
func (c *Connection) Port() int { return c.port }

// Addr returns host:port.
func (c *Connection) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Credential returns the credential used by Authenticate.
func (c *Connection) Credential() Credential { return c.cred }

// Parent returns the connection this one is tunneled through, or nil.
func (c *Connection) Parent() *Connection { return c.parent }

// State returns the current connection state.
func (c *Connection) State() ConnectionState { return c.state.get() }

// Transitions returns a copy of the recent state transitions, oldest first.
func (c *Connection) Transitions() []StateTransition { return c.state.history() }

// OnStateChange registers a callback fired after every state change.
func (c *Connection) OnStateChange(cb StateCallback) { c.state.onChange(cb) }

// IsConnected reports whether the transport is open.
func (c *Connection) IsConnected() bool {
	return c.state.get() != StateDisconnected
}

// IsAuthenticated reports whether the SSH handshake succeeded.
func (c *Connection) IsAuthenticated() bool {
	return c.state.get() == StateAuthenticated
}

// Connect opens the TCP connection, through the parent when tunneled. An
// existing connection is closed first. A non-empty fingerprint is checked
// against the host key by Authenticate.
func (c *Connection) Connect(ctx context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn != nil {
		c.disconnect()
	}
	if fingerprint != "" {
		c.fingerprint = fingerprint
	}

	addr := c.Addr()
	var (
		conn net.Conn
		err  error
	)
	if c.parent != nil {
		client := c.parent.sshClient()
		if client == nil {
			return fmt.Errorf("dial %s via %s: %w", addr, c.parent.Addr(), ErrNotAuthenticated)
		}
		conn, err = client.DialContext(ctx, "tcp", addr)
	} else {
		dialer := net.Dialer{Timeout: c.connectTimeout}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		c.logger.Warn("dial failed", zap.Error(err))
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c.netConn = conn
	c.state.set(StateConnected)
	c.logger.Info("connected")
	return nil
}

// Authenticate performs the SSH handshake with the connection's
// credential. A host key that does not match the expected fingerprint
// fails with an error wrapping ErrFingerprintMismatch. Any handshake
// failure closes the transport.
func (c *Connection) Authenticate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn == nil {
		return ErrNotConnected
	}
	if c.client != nil {
		return nil
	}
	if c.cred == nil {
		return errors.New("authenticate: no credential")
	}
	methods, err := c.cred.AuthMethods()
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	addr := c.Addr()
	expected := c.fingerprint
	var (
		seen     ssh.PublicKey
		mismatch error
	)
	cfg := &ssh.ClientConfig{
		User: c.cred.Username(),
		Auth: methods,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			seen = key
			mismatch = sshkeys.CheckHostKey(addr, key, expected)
			return mismatch
		},
		Timeout: c.connectTimeout,
	}

	// Tunneled streams do not support deadlines.
	_ = c.netConn.SetDeadline(time.Now().Add(c.connectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(c.netConn, addr, cfg)
	if seen != nil {
		c.hostKey = seen
	}
	if err != nil {
		// NewClientConn closes the transport on failure.
		c.netConn = nil
		c.state.set(StateDisconnected)
		if mismatch != nil {
			c.logger.Warn("host key rejected", zap.Error(mismatch))
			return fmt.Errorf("authenticate %s: %w", addr, mismatch)
		}
		c.logger.Warn("handshake failed", zap.Error(err))
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = c.netConn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.state.set(StateAuthenticated)
	c.logger.Info("authenticated",
		zap.String("user", c.cred.Username()),
		zap.String("host_key", ssh.FingerprintSHA256(c.hostKey)),
	)

	if c.keepaliveInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancelKeepalive = cancel
		go c.keepalive(ctx, c.client)
	}
	return nil
}

// HostKey returns the key the server presented, or nil before a handshake.
func (c *Connection) HostKey() ssh.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostKey
}

// Fingerprint returns the host key fingerprint in the given format.
func (c *Connection) Fingerprint(format sshkeys.FingerprintFormat) (string, error) {
	key := c.HostKey()
	if key == nil {
		return "", ErrHostKeyUnknown
	}
	return sshkeys.Fingerprint(key, format), nil
}

// CheckFingerprint reports whether the host key matches fingerprint, given
// in either format.
func (c *Connection) CheckFingerprint(fingerprint string) (bool, error) {
	key := c.HostKey()
	if key == nil {
		return false, ErrHostKeyUnknown
	}
	return sshkeys.MatchFingerprint(key, fingerprint), nil
}

// Disconnect closes the connection. Connections tunneled through this one
// lose their transport. It is safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnect()
}

func (c *Connection) disconnect() error {
	if c.cancelKeepalive != nil {
		c.cancelKeepalive()
		c.cancelKeepalive = nil
	}

	var err error
	switch {
	case c.client != nil:
		err = c.client.Close()
	case c.netConn != nil:
		err = c.netConn.Close()
	default:
		return nil
	}
	c.client = nil
	c.netConn = nil
	c.state.set(StateDisconnected)
	c.logger.Info("disconnected")
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}

// DisconnectChain disconnects this connection and then every parent,
// innermost first. It returns the first error.
func (c *Connection) DisconnectChain() error {
	var firstErr error
	for cur := c; cur != nil; cur = cur.parent {
		if err := cur.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Tunnel opens a direct-tcpip channel to host:port over this connection and
// returns a connected child. The child must still be authenticated. Options
// default to this connection's logger.
func (c *Connection) Tunnel(ctx context.Context, host string, port int, cred Credential, opts ...Option) (*Connection, error) {
	client := c.sshClient()
	if client == nil {
		return nil, ErrNotAuthenticated
	}
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel to %s: %w", addr, err)
	}

	all := append([]Option{WithLogger(c.base), WithConnectTimeout(c.connectTimeout)}, opts...)
	return NewTunneled(conn, c, host, port, cred, all...), nil
}

// OpenShell requests a PTY described by term, starts a shell and returns
// its stdout as the primary stream and its stderr as the diagnostic
// handle. Environment variables the server refuses are skipped with a
// warning.
func (c *Connection) OpenShell(term *terminal.Descriptor) (sshshell.Stream, reader.Handle, error) {
	client := c.sshClient()
	if client == nil {
		return nil, nil, ErrNotAuthenticated
	}
	if term == nil {
		term = terminal.Default()
	}

	session, err := c.newSession(client, term, true)
	if err != nil {
		return nil, nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("start shell: %w", err)
	}

	stream := &shellStream{
		session: session,
		stdin:   stdin,
		stdout:  newPumpHandle(stdout),
	}
	return stream, newPumpHandle(stderr), nil
}

// Shell opens a smart-console capable shell on this connection.
func (c *Connection) Shell(term *terminal.Descriptor, opts ...sshshell.Option) (*sshshell.Shell, error) {
	all := append([]sshshell.Option{sshshell.WithLogger(c.base)}, opts...)
	return sshshell.New(c, term, all...)
}

// newSession opens a session channel, applies term's environment and, when
// pty is set, requests a PTY.
func (c *Connection) newSession(client *ssh.Client, term *terminal.Descriptor, pty bool) (*ssh.Session, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	env := term.Env()
	for _, key := range term.EnvKeys() {
		if err := session.Setenv(key, env[key]); err != nil {
			c.logger.Warn("environment variable rejected", zap.String("name", key), zap.Error(err))
		}
	}

	if pty {
		ok, err := session.SendRequest("pty-req", true, term.PTYRequest(terminal.Modes()))
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
		if !ok {
			session.Close()
			return nil, ErrPTYRejected
		}
	}
	return session, nil
}

func (c *Connection) sshClient() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// keepalive sends periodic keepalive requests and drops the connection
// once one fails.
func (c *Connection) keepalive(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn("keepalive failed, dropping connection", zap.Error(err))
				c.mu.Lock()
				if c.client == client {
					c.disconnect()
				}
				c.mu.Unlock()
				return
			}
		}
	}
}

// shellStream is the primary stream of an interactive shell.
type shellStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *pumpHandle
	once    sync.Once
}

func (s *shellStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *shellStream) TryRead(p []byte) (int, error) {
	return s.stdout.TryRead(p)
}

// Close ends the session. A session the server already closed is not an
// error.
func (s *shellStream) Close() error {
	var err error
	s.once.Do(func() {
		s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
