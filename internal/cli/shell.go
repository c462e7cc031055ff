package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/reader"
	"github.com/gluk-w/smartshell/internal/sshshell"
)

const interactivePrompt = "smartshell> "

func newShellCmd(o *rootOptions) *cobra.Command {
	var record string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Read commands from stdin and run each in a smart shell",
		Long: `Opens a shell, arms the prompt marker and runs every line read from
stdin as a smart command. "exit" or end of input closes the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			shellType, err := sh.ShellType(o.settings.DetectTimeout)
			if err != nil {
				return err
			}
			if err := sh.SetSmartConsole(""); err != nil {
				return err
			}
			o.logger.Info("interactive session started",
				zap.String("session", sh.ID()),
				zap.String("shell", shellType.String()))
			return o.interact(cmd, sh)
		},
	}
	cmd.Flags().StringVar(&record, "record", "", "write a JSON transcript of the session to this file")
	return cmd
}

func (o *rootOptions) interact(cmd *cobra.Command, sh *sshshell.Shell) error {
	_, tty := terminalFd(o.stdin)
	opts := sshshell.CommandOptions{Trim: true, Timeout: o.settings.CommandTimeout}
	for {
		if err := cmd.Context().Err(); err != nil {
			return nil
		}
		if tty {
			fmt.Fprint(o.stdout, interactivePrompt)
		}
		line, err := o.in.ReadString('\n')
		command := strings.TrimSpace(line)
		switch {
		case command == "exit" || command == "quit":
			return nil
		case command != "":
			buf, cmdErr := sh.SendSmartCommand(command, opts)
			o.metrics.ObserveCommand("smart", cmdErr)
			if buf != nil {
				o.writeBuffer(buf)
				if buf.Len() > 0 && !buf.HasSuffix("\n") {
					fmt.Fprintln(o.stdout)
				}
			}
			if errors.Is(cmdErr, reader.ErrClosed) {
				return nil
			}
			if cmdErr != nil {
				return cmdErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (o *rootOptions) saveRecording(path string, rec *sshshell.Recording) {
	data, err := rec.ExportJSON()
	if err == nil {
		err = os.WriteFile(path, data, 0600)
	}
	if err != nil {
		o.logger.Warn("failed to save recording", zap.String("path", path), zap.Error(err))
		return
	}
	o.logger.Info("recording saved", zap.String("path", path), zap.Int("entries", rec.EntryCount()))
}
