// Package cli implements the smartshell command line.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/config"
	"github.com/gluk-w/smartshell/internal/logging"
	"github.com/gluk-w/smartshell/internal/metrics"
)

// ExitError carries a non-zero remote exit status, or a failed runbook, to
// the process exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

type rootOptions struct {
	configFile  string
	flags       config.Settings
	askPassword bool

	settings    config.Settings
	logger      *logging.Logger
	metrics     *metrics.Metrics
	stopMetrics context.CancelFunc

	stdin  io.Reader
	in     *bufio.Reader
	stdout io.Writer
	stderr io.Writer
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root, opts := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	opts.close()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) (*cobra.Command, *rootOptions) {
	opts := &rootOptions{
		stdin:  stdin,
		in:     bufio.NewReader(stdin),
		stdout: stdout,
		stderr: stderr,
	}

	root := &cobra.Command{
		Use:           "smartshell",
		Short:         "Automate remote shells over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.prepare(cmd.Context())
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", os.Getenv("SMARTSHELL_CONFIG"), "YAML config file")
	pf.StringVarP(&opts.flags.Host, "host", "H", "", "remote host")
	pf.IntVarP(&opts.flags.Port, "port", "p", 0, "remote port (default 22)")
	pf.StringVarP(&opts.flags.User, "user", "u", "", "remote user (default root)")
	pf.StringVar(&opts.flags.Password, "password", "", "password; prefer SMARTSHELL_PASSWORD or --ask-password")
	pf.BoolVar(&opts.askPassword, "ask-password", false, "prompt for the password")
	pf.StringVarP(&opts.flags.KeyPath, "identity", "i", "", "private key file")
	pf.StringVar(&opts.flags.KeyPassphrase, "passphrase", "", "private key passphrase")
	pf.StringVar(&opts.flags.Fingerprint, "fingerprint", "", "expected host key fingerprint (MD5 hex or SHA256:...)")
	pf.StringSliceVarP(&opts.flags.JumpHosts, "jump", "J", nil, "jump hosts, host[:port], in order")
	pf.StringVar(&opts.flags.TerminalType, "term", "", "terminal type (xterm, vanilla, vt102, xterm-256color)")
	pf.IntVar(&opts.flags.TerminalWidth, "cols", 0, "terminal width")
	pf.IntVar(&opts.flags.TerminalHeight, "rows", 0, "terminal height")
	pf.DurationVar(&opts.flags.ConnectTimeout, "connect-timeout", 0, "dial and handshake timeout")
	pf.DurationVarP(&opts.flags.CommandTimeout, "timeout", "t", 0, "idle timeout of a command response")
	pf.DurationVar(&opts.flags.DetectTimeout, "detect-timeout", 0, "shell detection timeout")
	pf.DurationVar(&opts.flags.SettlePause, "settle", 0, "quiet period that marks a settled shell")
	pf.StringVar(&opts.flags.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&opts.flags.LogDev, "log-dev", false, "development logging")
	pf.StringVar(&opts.flags.LogFile, "log-file", "", "also log to this file, rotated")
	pf.StringVar(&opts.flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newExecCmd(opts),
		newRunCmd(opts),
		newShellCmd(opts),
		newDetectCmd(opts),
		newRunbookCmd(opts),
		newHostKeyCmd(opts),
		newKeyCmd(opts),
	)
	return root, opts
}

func (o *rootOptions) prepare(ctx context.Context) error {
	s, err := config.Resolve(o.configFile, o.flags)
	if err != nil {
		return err
	}
	o.settings = s

	logCfg := logging.DefaultConfig()
	logCfg.Level = s.LogLevel
	logCfg.Development = s.LogDev
	logCfg.File = s.LogFile
	logCfg.Console = o.stderr
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	o.logger = logger
	o.metrics = metrics.New()

	if s.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		o.stopMetrics = cancel
		go func() {
			if err := o.metrics.Serve(mctx, s.MetricsAddr, logger.Logger); err != nil {
				logger.Warn("metrics server failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (o *rootOptions) close() {
	if o.stopMetrics != nil {
		o.stopMetrics()
	}
	if o.logger != nil {
		o.logger.Close()
	}
}
