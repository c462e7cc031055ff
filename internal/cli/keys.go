package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gluk-w/smartshell/internal/sshkeys"
)

func newKeyCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Work with SSH keys",
	}
	cmd.AddCommand(newKeyPublicCmd(o), newKeyGenerateCmd(o), newKeyFingerprintCmd(o))
	return cmd
}

func newKeyPublicCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "public <private-key>",
		Short: "Print the OpenSSH public key of an RSA or DSA private key",
		Long: `The argument is a PEM private key, a file:// reference, or a path.
Encrypted keys are opened with --passphrase.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key := args[0]
			if !strings.HasPrefix(key, sshkeys.FileScheme) && !strings.Contains(key, "-----BEGIN") {
				key = sshkeys.FileScheme + key
			}
			pub, err := sshkeys.GenerateSSHPublicKey(key, o.settings.KeyPassphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(o.stdout, pub)
			return nil
		},
	}
}

func newKeyGenerateCmd(o *rootOptions) *cobra.Command {
	var keyType string
	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Generate a key pair and write it to path and path.pub",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			pub, priv, err := sshkeys.GenerateKeyPair(sshkeys.KeyType(keyType))
			if err != nil {
				return err
			}
			if err := sshkeys.SaveKeyPair(args[0], priv, pub); err != nil {
				return err
			}
			fp, err := sshkeys.GetPublicKeyFingerprint(pub)
			if err != nil {
				return err
			}
			fmt.Fprint(o.stdout, string(pub))
			fmt.Fprintln(o.stdout, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "type", string(sshkeys.KeyTypeEd25519), "key type: ed25519 or rsa")
	return cmd
}

func newKeyFingerprintCmd(o *rootOptions) *cobra.Command {
	var verify string
	cmd := &cobra.Command{
		Use:   "fingerprint <public-key-file>",
		Short: "Print the SHA256 fingerprint of an authorized_keys line",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			pub, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fp, err := sshkeys.GetPublicKeyFingerprint(pub)
			if err != nil {
				return err
			}
			fmt.Fprintln(o.stdout, fp)
			if verify != "" {
				if err := sshkeys.VerifyFingerprint(pub, verify); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&verify, "verify", "", "fail unless the key has this fingerprint")
	return cmd
}
