// Package sshtest runs an in-process SSH server for tests.
package sshtest

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/smartshell/internal/sshkeys"
)

// Credentials accepted by the password callback.
const (
	User     = "tester"
	Password = "s3cret"
)

// Server is an in-process SSH server. Its shell echoes every line,
// answers `echo $0` like a login bash, honours `export PS1=...` and writes
// the prompt after each command. Exec requests run a few canned commands
// and report an exit status. direct-tcpip channels are forwarded, so a
// connection can tunnel back to the same server.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	mu       sync.Mutex
	ptyTerms []string
	env      map[string]string
}

// NewServer starts a server on a loopback port. It accepts the User and
// Password pair and, when authorized is non-nil, that public key. The
// server stops when the test ends.
func NewServer(t testing.TB, authorized ssh.PublicKey) *Server {
	t.Helper()

	_, hostPEM, err := sshkeys.GenerateKeyPair(sshkeys.KeyTypeEd25519)
	require.NoError(t, err)
	hostSigner, err := sshkeys.ParsePrivateKey(hostPEM, "")
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(password) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{
		Addr:    listener.Addr().String(),
		HostKey: hostSigner.PublicKey(),
		env:     make(map[string]string),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
	})
	return srv
}

// HostPort splits Addr.
func (s *Server) HostPort(t testing.TB) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// Terms lists the PTY requests seen so far as "TERM COLSxROWS".
func (s *Server) Terms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ptyTerms...)
}

// Env returns an environment variable a client set. Only LC_* names are
// accepted.
func (s *Server) Env(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.env[key]
	return v, ok
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleDirectTCPIP(newChan ssh.NewChannel) {
	var target struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &target); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		upstream.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	go func() {
		io.Copy(ch, upstream)
		ch.CloseWrite()
	}()
	io.Copy(upstream, ch)
	upstream.Close()
	ch.Close()
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	var ptyTerm string

	for req := range requests {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			ok := ssh.Unmarshal(req.Payload, &kv) == nil && strings.HasPrefix(kv.Name, "LC_")
			if ok {
				s.mu.Lock()
				s.env[kv.Name] = kv.Value
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}

		case "pty-req":
			var pty struct {
				Term          string
				Columns, Rows uint32
				Width, Height uint32
				Modes         string
			}
			ok := ssh.Unmarshal(req.Payload, &pty) == nil
			if ok {
				ptyTerm = pty.Term
				s.mu.Lock()
				s.ptyTerms = append(s.ptyTerms, fmt.Sprintf("%s %dx%d", pty.Term, pty.Columns, pty.Rows))
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runTestShell(ch)

		case "exec":
			var cmd struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &cmd); err != nil {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runTestExec(ch, cmd.Command, ptyTerm)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	ch.Close()
}

func sendExitStatus(ch ssh.Channel, code uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func runTestExec(ch ssh.Channel, command, ptyTerm string) {
	defer ch.Close()

	var code uint32
	switch {
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintf(ch, "%s\n", strings.TrimPrefix(command, "echo "))
	case command == "tty":
		if ptyTerm == "" {
			fmt.Fprint(ch, "not a tty\n")
			code = 1
		} else {
			fmt.Fprintf(ch, "pty:%s\n", ptyTerm)
		}
	case command == "fail":
		fmt.Fprint(ch, "partial\n")
		fmt.Fprint(ch.Stderr(), "boom\n")
		code = 3
	default:
		fmt.Fprintf(ch.Stderr(), "%s: command not found\n", command)
		code = 127
	}
	sendExitStatus(ch, code)
}

func runTestShell(ch ssh.Channel) {
	defer ch.Close()

	prompt := "tester@box:~$ "
	fmt.Fprint(ch, "Welcome to the test box\r\n"+prompt)

	var line []byte
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		for _, b := range buf[:n] {
			if b != '\n' && b != '\r' {
				line = append(line, b)
				continue
			}
			if b == '\r' {
				continue
			}
			cmd := string(line)
			line = line[:0]

			fmt.Fprintf(ch, "%s\r\n", cmd)
			switch {
			case cmd == "echo $0":
				fmt.Fprint(ch, "-bash\r\n")
			case strings.HasPrefix(cmd, `export PS1="`):
				prompt = strings.TrimSuffix(strings.TrimPrefix(cmd, `export PS1="`), `"`)
			case strings.HasPrefix(cmd, "echo "):
				fmt.Fprintf(ch, "%s\r\n", strings.TrimPrefix(cmd, "echo "))
			case cmd == "warn":
				fmt.Fprint(ch.Stderr(), "careful\n")
			case cmd == "exit":
				sendExitStatus(ch, 0)
				return
			case cmd == "":
			default:
				fmt.Fprintf(ch.Stderr(), "%s: command not found\n", cmd)
			}
			fmt.Fprint(ch, prompt)
		}
		if err != nil {
			return
		}
	}
}

// ClientKey generates an ed25519 key pair in a temp directory and returns
// the private key path and the public key. The public key is written next
// to it with a .pub suffix.
func ClientKey(t testing.TB) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := sshkeys.GenerateKeyPair(sshkeys.KeyTypeEd25519)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, sshkeys.SaveKeyPair(path, priv, pub))

	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	require.NoError(t, err)
	require.FileExists(t, path+".pub")
	return path, key
}
