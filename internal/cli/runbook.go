package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/smartshell/internal/logutil"
	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/reader"
	"github.com/gluk-w/smartshell/internal/sshshell"
)

// defaultStepPause ends a raw step that has neither waitFor nor pause.
const defaultStepPause = 500 * time.Millisecond

type runbookDocument struct {
	Name  string        `yaml:"name"`
	Shell string        `yaml:"shell"`
	Steps []runbookStep `yaml:"steps"`
}

// runbookStep is either a smart command ("command") or raw input ("send")
// followed by a wait for a pattern or for quiet.
type runbookStep struct {
	Name            string        `yaml:"name"`
	Command         string        `yaml:"command"`
	Send            string        `yaml:"send"`
	WaitFor         string        `yaml:"waitFor"`
	Pause           time.Duration `yaml:"pause"`
	Timeout         time.Duration `yaml:"timeout"`
	Expect          string        `yaml:"expect"`
	Stream          string        `yaml:"stream"`
	ContinueOnError bool          `yaml:"continueOnError"`

	waitFor *regexp.Regexp
	expect  *regexp.Regexp
	stream  output.Stream
}

type runbookReport struct {
	Runbook   string           `json:"runbook"`
	ShellType string           `json:"shellType,omitempty"`
	Started   time.Time        `json:"startedAt"`
	Ended     time.Time        `json:"endedAt"`
	Success   bool             `json:"success"`
	Steps     []runbookStepRun `json:"steps"`
}

type runbookStepRun struct {
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Started    time.Time `json:"startedAt"`
	Ended      time.Time `json:"endedAt"`
	DurationMS int64     `json:"durationMs"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Output     string    `json:"output,omitempty"`
	Diagnostic string    `json:"diagnostic,omitempty"`
}

func newRunbookCmd(o *rootOptions) *cobra.Command {
	var (
		jsonOut    bool
		reportPath string
		record     string
	)
	cmd := &cobra.Command{
		Use:   "runbook <runbook.yaml>",
		Short: "Run the steps of a runbook in one shell session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			doc, err := loadRunbook(path)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(doc.Name)
			if name == "" {
				name = filepath.Base(path)
			}

			conn, err := o.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.DisconnectChain()

			var rec *sshshell.Recording
			if record != "" {
				rec = sshshell.NewRecording(o.settings.RecordingMax)
				defer o.saveRecording(record, rec)
			}
			sh, err := o.openShell(conn, rec)
			if err != nil {
				return err
			}
			defer sh.Close()

			report := o.runRunbook(sh, name, doc, jsonOut)

			if reportPath != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(reportPath, data, 0o644); err != nil {
					return err
				}
			}
			if jsonOut {
				enc := json.NewEncoder(o.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if report.Success {
				fmt.Fprintf(o.stderr, "runbook succeeded: %s\n", report.Runbook)
			} else {
				fmt.Fprintf(o.stderr, "runbook failed: %s\n", report.Runbook)
			}

			if !report.Success {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&jsonOut, "json", false, "emit a JSON report to stdout instead of step output")
	f.StringVar(&reportPath, "report", "", "write a JSON report to this path")
	f.StringVar(&record, "record", "", "write a JSON transcript of the session to this file")
	return cmd
}

// runRunbook runs the steps in order. Step output is echoed unless quiet.
func (o *rootOptions) runRunbook(sh *sshshell.Shell, name string, doc *runbookDocument, quiet bool) runbookReport {
	report := runbookReport{
		Runbook: name,
		Started: time.Now(),
		Steps:   make([]runbookStepRun, 0, len(doc.Steps)),
	}
	success := true

	if err := o.armRunbookShell(sh, doc, &report); err != nil {
		report.Steps = append(report.Steps, runbookStepRun{
			Name:    "prepare shell",
			Kind:    "setup",
			Started: report.Started,
			Ended:   time.Now(),
			Error:   err.Error(),
		})
		report.Ended = time.Now()
		return report
	}

	for i := range doc.Steps {
		step := &doc.Steps[i]
		run := runbookStepRun{Name: step.Name, Kind: step.kind(), Started: time.Now()}

		buf, err := o.runStep(sh, step)
		run.Ended = time.Now()
		run.DurationMS = run.Ended.Sub(run.Started).Milliseconds()
		if buf != nil {
			run.Output = sanitizeForJSON(buf.Channel(output.Primary))
			run.Diagnostic = sanitizeForJSON(buf.Channel(output.Diagnostic))
			if !quiet {
				o.writeBuffer(buf)
			}
		}
		run.Success = err == nil
		if err != nil {
			run.Error = err.Error()
		}
		o.logger.Info("runbook step finished",
			zap.String("step", step.Name),
			zap.Bool("success", run.Success),
			zap.Int64("duration_ms", run.DurationMS))

		report.Steps = append(report.Steps, run)
		if !run.Success {
			success = false
			if errors.Is(err, reader.ErrClosed) || !step.ContinueOnError {
				break
			}
		}
	}

	report.Ended = time.Now()
	report.Success = success
	return report
}

// armRunbookShell sets the prompt marker, using the runbook's shell family
// when it names one.
func (o *rootOptions) armRunbookShell(sh *sshshell.Shell, doc *runbookDocument, report *runbookReport) error {
	if doc.Shell != "" {
		shellType := sshshell.ParseShellType(doc.Shell)
		report.ShellType = shellType.String()
		return sh.SetSmartConsoleFor("", shellType)
	}
	shellType, err := sh.ShellType(o.settings.DetectTimeout)
	if err != nil {
		return err
	}
	report.ShellType = shellType.String()
	return sh.SetSmartConsole("")
}

func (o *rootOptions) runStep(sh *sshshell.Shell, step *runbookStep) (*output.Buffer, error) {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = o.settings.CommandTimeout
	}

	var (
		buf *output.Buffer
		err error
	)
	if step.Command != "" {
		buf, err = o.runSmartStep(sh, step, timeout)
	} else {
		buf, err = runRawStep(sh, step, timeout)
	}
	if err != nil {
		return buf, err
	}

	if step.expect != nil && !step.expect.MatchString(buf.All()) {
		return buf, fmt.Errorf("output does not match %q", step.Expect)
	}
	return buf, nil
}

func (o *rootOptions) runSmartStep(sh *sshshell.Shell, step *runbookStep, timeout time.Duration) (*output.Buffer, error) {
	buf, err := sh.SendSmartCommand(step.Command, sshshell.CommandOptions{
		Timeout: timeout,
		Stream:  step.stream,
	})
	o.metrics.ObserveCommand("smart", err)
	if err != nil {
		return buf, err
	}
	marker := sh.SmartMarker()
	if !buf.HasSuffix(marker) {
		return buf, fmt.Errorf("no prompt within %s", timeout)
	}
	return sshshell.TrimResponse(buf, step.Command, marker), nil
}

func runRawStep(sh *sshshell.Shell, step *runbookStep, timeout time.Duration) (*output.Buffer, error) {
	if err := sh.SendLine(step.Send); err != nil {
		return nil, err
	}
	opts := reader.ReadOptions{Timeout: timeout, Stream: step.stream}
	if step.waitFor != nil {
		buf, err := sh.ReadUntilExpression(step.waitFor, opts)
		if err != nil {
			return buf, err
		}
		if !step.waitFor.MatchString(buf.All()) {
			return buf, fmt.Errorf("%q not seen within %s", step.WaitFor, timeout)
		}
		return buf, nil
	}
	pause := step.Pause
	if pause == 0 {
		pause = defaultStepPause
	}
	return sh.ReadUntilPause(pause, opts)
}

func (s *runbookStep) kind() string {
	if s.Command != "" {
		return "command"
	}
	return "send"
}

func loadRunbook(path string) (*runbookDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc runbookDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse runbook: %w", err)
	}
	if err := validateRunbook(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func validateRunbook(doc *runbookDocument) error {
	if len(doc.Steps) == 0 {
		return errors.New("runbook has no steps")
	}
	for i := range doc.Steps {
		step := &doc.Steps[i]
		if strings.TrimSpace(step.Name) == "" {
			step.Name = fmt.Sprintf("step %d", i+1)
		}
		if (step.Command == "") == (step.Send == "") {
			return fmt.Errorf("step %q: exactly one of command and send is required", step.Name)
		}
		if step.Command != "" && (step.WaitFor != "" || step.Pause != 0) {
			return fmt.Errorf("step %q: waitFor and pause apply to send steps only", step.Name)
		}
		var err error
		if step.WaitFor != "" {
			if step.waitFor, err = regexp.Compile(step.WaitFor); err != nil {
				return fmt.Errorf("step %q: waitFor: %w", step.Name, err)
			}
		}
		if step.Expect != "" {
			if step.expect, err = regexp.Compile(step.Expect); err != nil {
				return fmt.Errorf("step %q: expect: %w", step.Name, err)
			}
		}
		if step.stream, err = output.ParseStream(step.Stream); err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		// The prompt arrives on the primary channel.
		if step.Command != "" && step.stream == output.DiagnosticOnly {
			return fmt.Errorf("step %q: command steps must read the primary channel", step.Name)
		}
	}
	return nil
}

func sanitizeForJSON(s string) string {
	return strings.ToValidUTF8(logutil.StripEscapes(s), "\uFFFD")
}
