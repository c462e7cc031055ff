package sshconn

import (
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/smartshell/internal/sshtest"
)

const (
	testUser     = sshtest.User
	testPassword = sshtest.Password
)

func startTestServer(t *testing.T, authorized ssh.PublicKey) *sshtest.Server {
	t.Helper()
	return sshtest.NewServer(t, authorized)
}

func clientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	return sshtest.ClientKey(t)
}
