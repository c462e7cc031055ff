package sshshell

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/reader"
)

// probeCommand prints the name the shell was started as.
const probeCommand = "echo $0"

// probeExpr matches the echoed probe followed by the shell name on its own
// line. Login shells report the name with a leading hyphen. A carriage
// return survives end-of-line normalisation when CRLF straddles two chunks.
var probeExpr = regexp.MustCompile(`(?m)echo \$0[ \t\r]*\n(-?[^\s]+)[ \t\r]*\n`)

// ShellType returns the shell family, probing the remote shell once. An
// unrecognised or missing answer yields Unknown, which is remembered like
// any other result.
func (s *Shell) ShellType(timeout time.Duration) (ShellType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectShellType(timeout)
}

func (s *Shell) detectShellType(timeout time.Duration) (ShellType, error) {
	if s.detected {
		return s.shellType, nil
	}

	settleTimeout := s.settleTimeout
	if timeout > 0 && (settleTimeout <= 0 || timeout < settleTimeout) {
		settleTimeout = timeout
	}
	if _, err := s.read(func() (*output.Buffer, error) {
		return s.rd.WaitForContent(s.settlePause, reader.ReadOptions{Timeout: settleTimeout})
	}); err != nil {
		return Unknown, fmt.Errorf("wait for shell: %w", err)
	}

	if err := s.send(probeCommand + "\n"); err != nil {
		return Unknown, fmt.Errorf("probe shell: %w", err)
	}

	buf, err := s.read(func() (*output.Buffer, error) {
		return s.rd.ReadUntilExpression(probeExpr, reader.ReadOptions{Timeout: timeout, NormalizeEOL: true})
	})
	if err != nil {
		return Unknown, fmt.Errorf("read shell name: %w", err)
	}

	name := ""
	if m := probeExpr.FindStringSubmatch(buf.All()); m != nil {
		name = m[1]
	}

	s.shellType = ParseShellType(name)
	s.detected = true

	if s.shellType == Unknown {
		s.logger.Warn("shell type not recognised", zap.String("name", name))
	} else {
		s.logger.Info("shell type detected", zap.Stringer("shell_type", s.shellType))
	}
	return s.shellType, nil
}
