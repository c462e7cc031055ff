package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/sshshell"
)

func newExecCmd(o *rootOptions) *cobra.Command {
	var pty bool
	cmd := &cobra.Command{
		Use:   "exec <command>...",
		Short: "Run a command on an exec channel and exit with its status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := o.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.DisconnectChain()

			td, err := o.terminal()
			if err != nil {
				return err
			}
			command := strings.Join(args, " ")
			stream, err := conn.Execute(command, td, pty)
			if err != nil {
				o.metrics.ObserveCommand("exec", err)
				return err
			}
			defer stream.Close()

			out, err := stream.Output()
			o.metrics.ObserveCommand("exec", err)
			if err != nil {
				return err
			}
			fmt.Fprint(o.stdout, out)
			fmt.Fprint(o.stderr, stream.Stderr())

			code := stream.ExitCode()
			o.logger.Debug("exec finished", zap.String("command", command), zap.Int("exit_code", code))
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pty, "pty", false, "allocate a pseudo-terminal")
	// Flags after the command belong to the command.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newRunCmd(o *rootOptions) *cobra.Command {
	var (
		raw          bool
		stream       string
		normalizeEOL bool
	)
	cmd := &cobra.Command{
		Use:   "run <command>...",
		Short: "Run a command in an interactive shell and print its response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := output.ParseStream(stream)
			if err != nil {
				return err
			}
			conn, err := o.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.DisconnectChain()

			sh, err := o.openShell(conn, nil)
			if err != nil {
				return err
			}
			defer sh.Close()

			if err := sh.SetSmartConsole(""); err != nil {
				return err
			}
			buf, err := sh.SendSmartCommand(strings.Join(args, " "), sshshell.CommandOptions{
				Trim:         !raw,
				Timeout:      o.settings.CommandTimeout,
				NormalizeEOL: normalizeEOL,
				Stream:       sel,
			})
			o.metrics.ObserveCommand("smart", err)
			if buf != nil {
				o.writeBuffer(buf)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVar(&raw, "raw", false, "keep the echoed command and the prompt")
	f.StringVar(&stream, "stream", "combined", "channels to read: combined, primary or diagnostic")
	f.BoolVar(&normalizeEOL, "normalize-eol", false, "convert CRLF to LF")
	f.SetInterspersed(false)
	return cmd
}
