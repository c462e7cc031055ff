package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/sshconn"
)

func newDetectCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the family of the remote login shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			shellType, err := sh.ShellType(o.settings.DetectTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(o.stdout, shellType)
			return nil
		},
	}
}

func newHostKeyCmd(o *rootOptions) *cobra.Command {
	var check string
	cmd := &cobra.Command{
		Use:   "hostkey",
		Short: "Print the fingerprints of the target's host key",
		Long: `Performs the SSH handshake with the target and prints its host key
fingerprints. Authentication does not need to succeed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.DisconnectChain()

			if authErr := conn.Authenticate(); authErr != nil {
				if conn.HostKey() == nil {
					return authErr
				}
				o.logger.Debug("authentication failed after host key exchange", zap.Error(authErr))
			}

			sha, err := conn.Fingerprint(sshconn.FingerprintSHA256)
			if err != nil {
				return err
			}
			md5, _ := conn.Fingerprint(sshconn.FingerprintMD5)
			fmt.Fprintf(o.stdout, "%s %s\n", conn.HostKey().Type(), sha)
			fmt.Fprintf(o.stdout, "%s MD5:%s\n", conn.HostKey().Type(), md5)

			if check != "" {
				ok, err := conn.CheckFingerprint(check)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(o.stderr, "host key does not match", check)
					return &ExitError{Code: 1}
				}
				fmt.Fprintln(o.stdout, "host key matches")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&check, "check", "", "compare the host key with this fingerprint")
	return cmd
}
