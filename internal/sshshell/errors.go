package sshshell

import "errors"

var (
	// ErrNotConnected is returned when a shell is opened on a transport that
	// is not connected.
	ErrNotConnected = errors.New("transport not connected")
	// ErrNotAuthenticated is returned when a shell is opened on a transport
	// that is connected but not authenticated.
	ErrNotAuthenticated = errors.New("transport not authenticated")
	// ErrClosed is returned by operations on a closed shell.
	ErrClosed = errors.New("shell closed")
)
