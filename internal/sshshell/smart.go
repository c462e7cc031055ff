package sshshell

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/logutil"
	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/reader"
)

// markerPrefix starts every generated prompt marker.
const markerPrefix = "#:MKR#"

// trimCutset is the whitespace removed around a smart command response.
const trimCutset = " \t\r\n\v\x00"

// CommandOptions control SendSmartCommand.
type CommandOptions struct {
	// Trim removes the echoed command and the trailing prompt marker.
	Trim bool
	// Timeout is the idle deadline of the response read. Zero waits for
	// the marker indefinitely.
	Timeout time.Duration
	// NormalizeEOL converts CRLF to LF.
	NormalizeEOL bool
	// Stream selects the channels read.
	Stream output.Stream
}

// DefaultCommandOptions trims the response and waits for the marker without
// a deadline.
func DefaultCommandOptions() CommandOptions {
	return CommandOptions{Trim: true}
}

// SmartMarker returns the armed prompt marker, or "" when the smart console
// has not been set up.
func (s *Shell) SmartMarker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker
}

// SetSmartConsole replaces the remote prompt with marker, detecting the shell
// family to pick the syntax. An empty marker generates one from the current
// time.
func (s *Shell) SetSmartConsole(marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shellType, err := s.detectShellType(DefaultDetectTimeout)
	if err != nil {
		return err
	}
	return s.setSmartConsole(marker, shellType)
}

// SetSmartConsoleFor is SetSmartConsole with a known shell family; no
// detection is run.
func (s *Shell) SetSmartConsoleFor(marker string, shellType ShellType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSmartConsole(marker, shellType)
}

func (s *Shell) setSmartConsole(marker string, shellType ShellType) error {
	if marker == "" {
		marker = fmt.Sprintf("%s%d$", markerPrefix, s.now().Unix())
	}
	s.marker = marker

	if err := s.send(shellType.promptCommand(marker) + "\n"); err != nil {
		return fmt.Errorf("set prompt: %w", err)
	}

	buf, err := s.read(func() (*output.Buffer, error) {
		return s.rd.ReadUntilEndMarker(marker, reader.ReadOptions{Timeout: s.confirmTimeout})
	})
	if err != nil {
		return fmt.Errorf("confirm prompt: %w", err)
	}

	if !buf.HasSuffix(marker) {
		s.logger.Warn("prompt marker not confirmed before deadline",
			zap.String("marker", marker),
			zap.Stringer("shell_type", shellType),
			zap.String("tail", logutil.SanitizeForLog(buf.All())),
		)
		return nil
	}
	s.logger.Debug("smart console armed", zap.String("marker", marker), zap.Stringer("shell_type", shellType))
	return nil
}

// SendSmartCommand runs command and returns its output, read until the
// prompt marker ends the combined output. The smart console is armed first
// when needed.
func (s *Shell) SendSmartCommand(command string, opts CommandOptions) (*output.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.marker == "" {
		shellType, err := s.detectShellType(DefaultDetectTimeout)
		if err != nil {
			return nil, err
		}
		if err := s.setSmartConsole("", shellType); err != nil {
			return nil, err
		}
	}

	if err := s.send(command + "\n"); err != nil {
		return nil, err
	}

	marker := s.marker
	buf, err := s.read(func() (*output.Buffer, error) {
		return s.rd.ReadUntilEndMarker(marker, reader.ReadOptions{
			Timeout:      opts.Timeout,
			NormalizeEOL: opts.NormalizeEOL,
			Stream:       opts.Stream,
		})
	})
	if err != nil {
		return buf, err
	}

	if opts.Trim {
		buf = TrimResponse(buf, command, marker)
	}
	return buf, nil
}

// TrimResponse removes the echoed command from the first primary record and
// the prompt marker from the end of the primary output, even when the marker
// arrived split over several records. Diagnostic records are kept as they
// are.
func TrimResponse(buf *output.Buffer, command, marker string) *output.Buffer {
	records := buf.Records()

	var primary []int
	for i, r := range records {
		if r.Channel == output.Primary {
			primary = append(primary, i)
		}
	}
	if len(primary) == 0 {
		return buf
	}

	first := &records[primary[0]]
	data := string(first.Data)
	if command != "" {
		data = strings.TrimPrefix(data, command)
	}
	first.Data = []byte(strings.TrimLeft(data, trimCutset))

	if marker != "" {
		var tail []byte
		for i := len(primary) - 1; i >= 0 && len(tail) < len(marker); i-- {
			tail = append(append([]byte(nil), records[primary[i]].Data...), tail...)
		}
		if bytes.HasSuffix(tail, []byte(marker)) {
			cut := len(marker)
			for i := len(primary) - 1; i >= 0 && cut > 0; i-- {
				d := records[primary[i]].Data
				n := min(cut, len(d))
				records[primary[i]].Data = d[:len(d)-n]
				cut -= n
			}
		}
	}

	for i := len(primary) - 1; i >= 0; i-- {
		r := &records[primary[i]]
		r.Data = bytes.TrimRight(r.Data, trimCutset)
		if len(r.Data) > 0 {
			break
		}
	}

	return output.FromRecords(records)
}
