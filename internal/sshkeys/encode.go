package sshkeys

import (
	"crypto/dsa" //nolint:staticcheck
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// FileScheme marks a key argument as a path rather than inline PEM.
const FileScheme = "file://"

var (
	// ErrKeyNotReadable is returned when the private key cannot be loaded,
	// decrypted or parsed.
	ErrKeyNotReadable = errors.New("private key not readable")
	// ErrUnsupportedKey is returned for key algorithms other than RSA and DSA.
	ErrUnsupportedKey = errors.New("unsupported key algorithm")
)

// GenerateSSHPublicKey derives the OpenSSH public key line ("ssh-rsa AAAA..."
// or "ssh-dss AAAA...") from a PEM private key. key is either the PEM text
// or a "file://" reference to it; passphrase decrypts encrypted keys and is
// ignored otherwise.
func GenerateSSHPublicKey(key, passphrase string) (string, error) {
	pemBytes, err := loadKey(key)
	if err != nil {
		return "", err
	}

	raw, err := ssh.ParseRawPrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyNotReadable, err)
	}

	switch k := raw.(type) {
	case *rsa.PrivateKey:
		return encodePublicKey(ssh.KeyAlgoRSA, big.NewInt(int64(k.E)), k.N), nil
	case *dsa.PrivateKey:
		return encodePublicKey(ssh.KeyAlgoDSA, k.P, k.Q, k.G, k.Y), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
	}
}

func loadKey(key string) ([]byte, error) {
	if !strings.HasPrefix(key, FileScheme) {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: empty key", ErrKeyNotReadable)
		}
		return []byte(key), nil
	}

	path := strings.TrimPrefix(key, FileScheme)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotReadable, err)
	}
	return data, nil
}

// encodePublicKey builds the wire-format public key: the algorithm name and
// every parameter as a length-prefixed string, base64 encoded after the
// algorithm name.
func encodePublicKey(algo string, params ...*big.Int) string {
	buf := appendString(nil, []byte(algo))
	for _, p := range params {
		buf = appendMPInt(buf, p)
	}
	return algo + " " + base64.StdEncoding.EncodeToString(buf)
}

func appendString(buf, s []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// appendMPInt appends a non-negative integer in big-endian form, with a
// leading zero byte when the high bit is set so it is not read as negative.
func appendMPInt(buf []byte, n *big.Int) []byte {
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return appendString(buf, b)
}
