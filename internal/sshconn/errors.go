package sshconn

import (
	"errors"

	"github.com/gluk-w/smartshell/internal/sshkeys"
	"github.com/gluk-w/smartshell/internal/sshshell"
)

var (
	// ErrNotConnected and ErrNotAuthenticated are shared with sshshell so a
	// caller can test for them without caring which layer failed.
	ErrNotConnected     = sshshell.ErrNotConnected
	ErrNotAuthenticated = sshshell.ErrNotAuthenticated

	// ErrFingerprintMismatch is returned by Authenticate when the host key
	// does not match the expected fingerprint.
	ErrFingerprintMismatch = sshkeys.ErrFingerprintMismatch

	// ErrAlreadyConsumed is returned when the output of an execution stream
	// is requested a second time.
	ErrAlreadyConsumed = errors.New("execution output already consumed")

	// ErrHostKeyUnknown is returned by Fingerprint before a handshake has
	// seen the host key.
	ErrHostKeyUnknown = errors.New("host key not known yet")

	// ErrPTYRejected is returned when the server refuses a pty request.
	ErrPTYRejected = errors.New("pty request rejected")
)
