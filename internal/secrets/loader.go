package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Source describes how to load a secret value.
type Source struct {
	// Name is used in error messages to give more context about the secret.
	Name string
	// Value is an inline secret value provided via configuration or flags.
	Value string
	// File points to a file containing the secret value. When set it takes
	// precedence over Value.
	File string
	// Optional makes an unconfigured source resolve to "" instead of an error.
	Optional bool
}

// Load returns the resolved secret value from the provided source. When File is
// set it takes precedence over Value. The returned secret is always trimmed.
func Load(src Source) (string, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = "secret"
	}

	file := strings.TrimSpace(src.File)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s from file %q: %w", name, file, err)
		}
		src.Value = string(data)
	}

	secret := strings.TrimSpace(src.Value)
	if secret == "" {
		if file != "" {
			return "", fmt.Errorf("%s file %q is empty", name, file)
		}
		if src.Optional {
			return "", nil
		}
		return "", fmt.Errorf("%s is not configured", name)
	}

	return secret, nil
}

// Resolve loads src and, when the value is in the encrypted iv:tag:data form,
// decrypts it with passphrase.
func Resolve(src Source, passphrase string) (string, error) {
	secret, err := Load(src)
	if err != nil || secret == "" {
		return secret, err
	}
	if !LooksEncrypted(secret) {
		return secret, nil
	}
	if strings.TrimSpace(passphrase) == "" {
		return "", fmt.Errorf("%s is encrypted but ENCRYPTION_SECRET is not set", src.Name)
	}
	plain, err := Decrypt(secret, passphrase)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", src.Name, err)
	}
	return plain, nil
}
