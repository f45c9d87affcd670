// Package crypto encrypts bot credentials at rest. The wire format is
// "ivHex:cipherHex" using AES-256-CBC with PKCS#7 padding, so tokens written
// by earlier deployments of the backend decrypt unchanged.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for passphrase-derived keys.
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// keySalt is fixed so the same passphrase always yields the same key.
var keySalt = []byte("npai-token-key-v1")

// Cipher encrypts and decrypts credential strings with a fixed key.
type Cipher struct {
	key []byte
}

// New builds a Cipher from the configured secret. A 64-char hex string is
// used as the raw AES-256 key; anything else is treated as a passphrase and
// stretched with scrypt.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption key is not set")
	}

	if len(secret) == 64 {
		if key, err := hex.DecodeString(secret); err == nil {
			return &Cipher{key: key}, nil
		}
	}

	key, err := scrypt.Key([]byte(secret), keySalt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt returns "ivHex:cipherHex" for the given plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Values that are not in the encrypted format are
// returned unchanged, so plaintext tokens stored before encryption was
// enabled keep working.
func (c *Cipher) Decrypt(value string) string {
	ivHex, cipherHex, ok := strings.Cut(value, ":")
	if !ok || ivHex == "" || cipherHex == "" {
		return value
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return value
	}
	data, err := hex.DecodeString(cipherHex)
	if err != nil || len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return value
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return value
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return value
	}
	return string(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
