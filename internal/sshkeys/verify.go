package sshkeys

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// FingerprintFormat selects how a host key fingerprint is rendered.
type FingerprintFormat int

const (
	// FingerprintMD5 is the legacy colon separated hex digest, the format of
	// older known_hosts tooling.
	FingerprintMD5 FingerprintFormat = iota
	// FingerprintSHA256 is "SHA256:" followed by the unpadded base64 digest.
	FingerprintSHA256
)

func (f FingerprintFormat) String() string {
	switch f {
	case FingerprintMD5:
		return "md5"
	case FingerprintSHA256:
		return "sha256"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFingerprintFormat accepts "md5" or "sha256".
func ParseFingerprintFormat(s string) (FingerprintFormat, error) {
	switch strings.ToLower(s) {
	case "md5":
		return FingerprintMD5, nil
	case "", "sha256":
		return FingerprintSHA256, nil
	default:
		return 0, fmt.Errorf("unknown fingerprint format %q", s)
	}
}

// ErrFingerprintMismatch is matched by every *FingerprintMismatchError.
var ErrFingerprintMismatch = errors.New("fingerprint mismatch")

// FingerprintMismatchError is returned when a key fingerprint does not match
// the expected value.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s", e.Host, e.Expected, e.Actual)
	}
	return fmt.Sprintf("key fingerprint mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *FingerprintMismatchError) Is(target error) bool {
	return target == ErrFingerprintMismatch
}

// Fingerprint renders the fingerprint of key in the given format.
func Fingerprint(key ssh.PublicKey, format FingerprintFormat) string {
	if format == FingerprintMD5 {
		return ssh.FingerprintLegacyMD5(key)
	}
	return ssh.FingerprintSHA256(key)
}

// MatchFingerprint reports whether expected identifies key. SHA256
// fingerprints must carry their "SHA256:" prefix and match exactly. Anything
// else is compared as an MD5 hex digest, ignoring case and colons.
func MatchFingerprint(key ssh.PublicKey, expected string) bool {
	expected = strings.TrimSpace(expected)
	if strings.HasPrefix(expected, "SHA256:") {
		return expected == ssh.FingerprintSHA256(key)
	}
	return normalizeHex(expected) == normalizeHex(ssh.FingerprintLegacyMD5(key))
}

func normalizeHex(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), "md5:")
	return strings.ReplaceAll(s, ":", "")
}

// CheckHostKey returns a *FingerprintMismatchError when expected is set and
// does not identify key. An empty expected fingerprint accepts any key.
func CheckHostKey(host string, key ssh.PublicKey, expected string) error {
	if expected == "" || MatchFingerprint(key, expected) {
		return nil
	}
	format := FingerprintMD5
	if strings.HasPrefix(expected, "SHA256:") {
		format = FingerprintSHA256
	}
	return &FingerprintMismatchError{
		Host:     host,
		Expected: expected,
		Actual:   Fingerprint(key, format),
	}
}

// GetPublicKeyFingerprint calculates the SHA256 fingerprint of a public key
// in authorized_keys format.
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// VerifyFingerprint checks an authorized_keys line against an expected
// fingerprint in either format. An empty expected fingerprint always passes.
func VerifyFingerprint(publicKey []byte, expectedFingerprint string) error {
	if expectedFingerprint == "" {
		return nil
	}
	if len(publicKey) == 0 {
		return fmt.Errorf("verify fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return fmt.Errorf("verify fingerprint: parse public key: %w", err)
	}
	return CheckHostKey("", parsed, expectedFingerprint)
}
