// Package crypto provides symmetric field-level encryption for patient data.
// Values are wrapped in a self-describing envelope so that stored ciphertext
// can be recognized without attempting decryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// MagicPrefix marks a string as an encrypted envelope.
const MagicPrefix = "rc1$"

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

const macSize = sha256.Size

var (
	// ErrBadCiphertext means the envelope is malformed: missing prefix,
	// wrong length, bad base64 or invalid padding.
	ErrBadCiphertext = errors.New("crypto: bad ciphertext")
	// ErrBadKey means the envelope is well-formed but the integrity check
	// failed, i.e. the key does not match.
	ErrBadKey = errors.New("crypto: bad key")
)

// Encrypt encrypts plaintext with the given 32-byte key using AES-256-CBC
// with PKCS#7 padding and a random IV. The result is
// MagicPrefix + base64(iv || ciphertext || hmac-sha256(iv || ciphertext)).
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], padded)

	mac := hmac.New(sha256.New, key)
	mac.Write(out)
	out = mac.Sum(out)

	return MagicPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns ErrBadCiphertext when the envelope is
// malformed and ErrBadKey when the integrity check fails.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}

	data, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", err
	}

	body, tag := data[:len(data)-macSize], data[len(data)-macSize:]

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return "", ErrBadKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: create cipher: %w", err)
	}

	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// IsEncrypted reports whether s carries the magic prefix and parses as a
// well-formed envelope. It never fails and has no side effects.
func IsEncrypted(s string) bool {
	_, err := parseEnvelope(s)
	return err == nil
}

// parseEnvelope strips the prefix, decodes the base64 body and checks the
// structural length constraints: an IV, at least one cipher block, a MAC tag.
func parseEnvelope(s string) ([]byte, error) {
	if !strings.HasPrefix(s, MagicPrefix) {
		return nil, ErrBadCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(s[len(MagicPrefix):])
	if err != nil {
		return nil, ErrBadCiphertext
	}
	if len(data) < aes.BlockSize+aes.BlockSize+macSize {
		return nil, ErrBadCiphertext
	}
	if (len(data)-macSize)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	return data, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadCiphertext
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadCiphertext
		}
	}
	return data[:len(data)-n], nil
}

// NewKey returns 32 bytes of cryptographically random key material.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// PasswordAlphabet is the character set used by RandomPassword.
const PasswordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomPassword returns a password of length n drawn uniformly from
// PasswordAlphabet.
func RandomPassword(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("crypto: password length must be positive, got %d", n)
	}
	max := big.NewInt(int64(len(PasswordAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("crypto: generate password: %w", err)
		}
		out[i] = PasswordAlphabet[idx.Int64()]
	}
	return string(out), nil
}
