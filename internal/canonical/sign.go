package canonical

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretSize is the length in bytes of the per-installation signing secret.
const SecretSize = 32

// ErrBadSecret is returned when a secret is not 32 hex-encoded bytes.
var ErrBadSecret = errors.New("signing secret must be 64 hex characters")

// Sign returns the hex HMAC-SHA256 of the canonical text of v.
func Sign(v any, secretHex string) (string, error) {
	key, err := decodeSecret(secretHex)
	if err != nil {
		return "", err
	}
	text, err := Encode(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature of v and compares it in constant time.
// Malformed secrets, signatures or values never verify.
func Verify(v any, signature, secretHex string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, err := Sign(v, secretHex)
	if err != nil {
		return false
	}
	gotRaw, _ := hex.DecodeString(got)
	return hmac.Equal(gotRaw, want)
}

func decodeSecret(secretHex string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil || len(key) != SecretSize {
		return nil, ErrBadSecret
	}
	return key, nil
}

// NewSecret returns a fresh random secret, hex-encoded.
func NewSecret() (string, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LoadOrCreateSecret reads the secret at path, creating it with mode 0600 on
// first use. An existing secret is never rewritten.
func LoadOrCreateSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if _, err := decodeSecret(secret); err != nil {
			return "", fmt.Errorf("secret %s: %w", path, err)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Lost a creation race; the winner's secret is the one to use.
		return LoadOrCreateSecret(path)
	}
	if err != nil {
		return "", fmt.Errorf("create secret: %w", err)
	}
	if _, err := f.WriteString(secret + "\n"); err != nil {
		f.Close()
		return "", fmt.Errorf("write secret: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close secret: %w", err)
	}
	return secret, nil
}
