package aes256

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	KeySize   = 32
	NonceSize = 12
)

var ErrShortCiphertext = errors.New("ciphertext shorter than nonce")

func newGCM(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals data with secret and iv. additional is authenticated but not encrypted.
func Encrypt(data []byte, secret []byte, iv []byte, additional []byte) (encryptedData []byte, err error) {
	aesgcm, err := newGCM(secret)
	if err != nil {
		return
	}
	encryptedData = aesgcm.Seal(nil, iv, data, additional)
	return
}

func Decrypt(ciphertext []byte, secret []byte, iv []byte, additional []byte) (decryptedData []byte, err error) {
	aesgcm, err := newGCM(secret)
	if err != nil {
		return
	}
	decryptedData, err = aesgcm.Open(nil, iv, ciphertext, additional)
	return
}

// Seal encrypts data under a fresh random nonce and prepends the nonce.
func Seal(data []byte, secret []byte, additional []byte) ([]byte, error) {
	iv, err := GenerateIV()
	if err != nil {
		return nil, err
	}
	encrypted, err := Encrypt(data, secret, iv, additional)
	if err != nil {
		return nil, err
	}
	return append(iv, encrypted...), nil
}

// Open reverses Seal.
func Open(sealed []byte, secret []byte, additional []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, ErrShortCiphertext
	}
	return Decrypt(sealed[NonceSize:], secret, sealed[:NonceSize], additional)
}

func GenerateSecret() (secret []byte, err error) {
	secret = make([]byte, KeySize)
	_, err = io.ReadFull(rand.Reader, secret)
	return
}

// GenerateIV returns a random GCM nonce. Never use more than 2^32 random nonces
// with a given key because of the risk of a repeat.
func GenerateIV() (iv []byte, err error) {
	iv = make([]byte, NonceSize)
	_, err = io.ReadFull(rand.Reader, iv)
	return
}

// LoadOrCreateKey reads the key at path, creating it owner-only when missing.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %s has %d bytes, expected %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateSecret()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, err
	}
	return key, f.Close()
}
