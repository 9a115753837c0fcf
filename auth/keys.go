package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/fernet/fernet-go"
	"gopkg.in/yaml.v3"

	"github.com/c360/cotgate/errors"
)

const (
	secretLength   = 32
	secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Keys is the shared key pair. Private is a fernet key (url-safe base64 of
// 32 bytes); Secret is the value sealed into every token.
type Keys struct {
	Private string `yaml:"private"`
	Secret  string `yaml:"secret"`
}

type keyFile struct {
	Keys Keys `yaml:"keys"`
}

// GenerateKeys creates a fresh fernet key and a 32 character alphanumeric secret
func GenerateKeys() (Keys, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return Keys{}, errors.WrapFatal(err, "auth", "GenerateKeys", "private key generation")
	}

	var sb strings.Builder
	limit := big.NewInt(int64(len(secretAlphabet)))
	for i := 0; i < secretLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return Keys{}, errors.WrapFatal(err, "auth", "GenerateKeys", "secret generation")
		}
		sb.WriteByte(secretAlphabet[n.Int64()])
	}

	return Keys{Private: k.Encode(), Secret: sb.String()}, nil
}

// ExpandPath resolves a leading ~ to the user's home directory
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// LoadKeyFile reads a key file. Missing file, missing entries and malformed
// keys all fail with ErrInvalidKeys.
func LoadKeyFile(path string) (Keys, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return Keys{}, errors.WrapFatal(err, "auth", "LoadKeyFile", "home directory lookup")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Keys{}, errors.WrapFatal(
			fmt.Errorf("%w: key file %s: %v", errors.ErrInvalidKeys, path, err),
			"auth", "LoadKeyFile", "key file read")
	}

	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return Keys{}, errors.WrapFatal(
			fmt.Errorf("%w: key file %s: %v", errors.ErrInvalidKeys, path, err),
			"auth", "LoadKeyFile", "key file parse")
	}

	if err := kf.Keys.Validate(); err != nil {
		return Keys{}, errors.WrapFatal(err, "auth", "LoadKeyFile", "key validation")
	}
	return kf.Keys, nil
}

// WriteKeyFile writes keys to path, creating the parent directory with mode 0700.
// The file itself is written 0600.
func WriteKeyFile(path string, keys Keys) error {
	if err := keys.Validate(); err != nil {
		return errors.WrapFatal(err, "auth", "WriteKeyFile", "key validation")
	}

	path, err := ExpandPath(path)
	if err != nil {
		return errors.WrapFatal(err, "auth", "WriteKeyFile", "home directory lookup")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.WrapFatal(err, "auth", "WriteKeyFile", "key directory creation")
	}

	data, err := yaml.Marshal(keyFile{Keys: keys})
	if err != nil {
		return errors.WrapFatal(err, "auth", "WriteKeyFile", "key file encode")
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.WrapFatal(err, "auth", "WriteKeyFile", "key file write")
	}
	return nil
}

// Validate checks both entries are present and the private key decodes
func (k Keys) Validate() error {
	if k.Private == "" || k.Secret == "" {
		return fmt.Errorf("%w: private and secret are both required", errors.ErrInvalidKeys)
	}
	if _, err := fernet.DecodeKey(k.Private); err != nil {
		return fmt.Errorf("%w: private key: %v", errors.ErrInvalidKeys, err)
	}
	return nil
}
