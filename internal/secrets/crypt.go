package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	ivLength  = 16
	tagLength = 16
)

var ErrMalformed = errors.New("invalid encrypted data format")

func newGCM(passphrase string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLength)
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from
// passphrase. The result is iv:tag:data, each part base64.
func Encrypt(plaintext, passphrase string) (string, error) {
	gcm, err := newGCM(passphrase)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	enc := base64.StdEncoding
	return enc.EncodeToString(iv) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(data), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encrypted, passphrase string) (string, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}

	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil || len(iv) != ivLength {
		return "", errors.New("invalid IV length")
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagLength {
		return "", errors.New("invalid auth tag length")
	}
	data, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	gcm, err := newGCM(passphrase)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// LooksEncrypted reports whether s has the shape produced by Encrypt.
func LooksEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	return err == nil && len(iv) == ivLength
}
