package sshconn

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/smartshell/internal/logutil"
	"github.com/gluk-w/smartshell/internal/sshkeys"
)

// DefaultUsername is used when a credential is created without a username.
const DefaultUsername = "root"

var (
	// ErrFileNotExists is returned when a key file does not exist.
	ErrFileNotExists = errors.New("file does not exist")
	// ErrFileNotReadable is returned when a key file exists but cannot be read.
	ErrFileNotReadable = errors.New("file not readable")
)

// Credential authenticates a user during the SSH handshake.
type Credential interface {
	Username() string
	AuthMethods() ([]ssh.AuthMethod, error)
}

// PasswordCredential authenticates with a password. Servers that only offer
// keyboard-interactive receive the password for every prompt.
type PasswordCredential struct {
	username string
	password string
}

// NewPasswordCredential creates a password credential.
func NewPasswordCredential(username, password string) *PasswordCredential {
	if username == "" {
		username = DefaultUsername
	}
	return &PasswordCredential{username: username, password: password}
}

func (c *PasswordCredential) Username() string { return c.username }

func (c *PasswordCredential) AuthMethods() ([]ssh.AuthMethod, error) {
	answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = c.password
		}
		return answers, nil
	}
	return []ssh.AuthMethod{
		ssh.Password(c.password),
		ssh.KeyboardInteractive(answer),
	}, nil
}

// KeyCredential authenticates with a private key file, optionally
// encrypted, and optionally paired with a public key file that must match
// it.
type KeyCredential struct {
	username       string
	privateKeyPath string
	publicKeyPath  string
	passphrase     string
}

// NewKeyCredential creates a key credential. The key file is checked for
// existence and readability immediately.
func NewKeyCredential(username, privateKeyPath, passphrase string) (*KeyCredential, error) {
	return NewKeyPairCredential(username, "", privateKeyPath, passphrase)
}

// NewKeyPairCredential is NewKeyCredential with a public key file. An empty
// publicKeyPath skips the pairing check.
func NewKeyPairCredential(username, publicKeyPath, privateKeyPath, passphrase string) (*KeyCredential, error) {
	if username == "" {
		username = DefaultUsername
	}
	if err := checkReadable(privateKeyPath); err != nil {
		return nil, err
	}
	if publicKeyPath != "" {
		if err := checkReadable(publicKeyPath); err != nil {
			return nil, err
		}
	}
	return &KeyCredential{
		username:       username,
		privateKeyPath: privateKeyPath,
		publicKeyPath:  publicKeyPath,
		passphrase:     passphrase,
	}, nil
}

func (c *KeyCredential) Username() string       { return c.username }
func (c *KeyCredential) PrivateKeyPath() string { return c.privateKeyPath }
func (c *KeyCredential) PublicKeyPath() string  { return c.publicKeyPath }

// Signer loads and parses the private key.
func (c *KeyCredential) Signer() (ssh.Signer, error) {
	keyData, err := os.ReadFile(c.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", logutil.SanitizeForLog(c.privateKeyPath), err)
	}
	signer, err := sshkeys.ParsePrivateKey(keyData, c.passphrase)
	if err != nil {
		return nil, err
	}

	if c.publicKeyPath != "" {
		pubData, err := os.ReadFile(c.publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key %s: %w", logutil.SanitizeForLog(c.publicKeyPath), err)
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey(pubData)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
			return nil, fmt.Errorf("public key %s does not match private key", logutil.SanitizeForLog(c.publicKeyPath))
		}
	}
	return signer, nil
}

func (c *KeyCredential) AuthMethods() ([]ssh.AuthMethod, error) {
	signer, err := c.Signer()
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotExists, logutil.SanitizeForLog(path))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFileNotReadable, logutil.SanitizeForLog(path), err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrFileNotReadable, logutil.SanitizeForLog(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFileNotReadable, logutil.SanitizeForLog(path), err)
	}
	return f.Close()
}
