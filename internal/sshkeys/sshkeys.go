// Package sshkeys converts private keys to OpenSSH public keys, generates
// and stores key pairs, and checks key fingerprints.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// KeyType selects the algorithm of a generated key pair.
type KeyType string

const (
	KeyTypeRSA     KeyType = "rsa"
	KeyTypeEd25519 KeyType = "ed25519"
)

// DefaultRSABits is the RSA modulus size used by GenerateKeyPair.
const DefaultRSABits = 3072

const publicKeySuffix = ".pub"

// GenerateKeyPair generates a key pair and returns the PEM private key and
// the authorized_keys public key line. RSA keys are written as PKCS#1 so
// that GenerateSSHPublicKey can read them back.
func GenerateKeyPair(kind KeyType) (publicKey, privateKeyPEM []byte, err error) {
	var (
		signerKey interface{}
		block     *pem.Block
	)

	switch kind {
	case KeyTypeRSA:
		priv, err := rsa.GenerateKey(rand.Reader, DefaultRSABits)
		if err != nil {
			return nil, nil, fmt.Errorf("generate rsa key: %w", err)
		}
		signerKey = priv
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	case KeyTypeEd25519, "":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal private key: %w", err)
		}
		signerKey = priv
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	default:
		return nil, nil, fmt.Errorf("generate key pair: %w: %s", ErrUnsupportedKey, kind)
	}

	signer, err := ssh.NewSignerFromKey(signerKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create signer: %w", err)
	}
	return ssh.MarshalAuthorizedKey(signer.PublicKey()), pem.EncodeToMemory(block), nil
}

// SaveKeyPair writes the private key to path with mode 0600 and the public
// key next to it with a ".pub" suffix and mode 0644. The directory is
// created with mode 0700 when missing.
func SaveKeyPair(path string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(path+publicKeySuffix, publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// ParsePrivateKey parses a PEM private key into a signer. passphrase is
// only used when the key is encrypted.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
