// Package seal is the symmetric cipher engine behind every container payload.
//
// Payloads are AES-256-CBC with PKCS#7 padding under a fresh random 16-byte IV,
// followed by an HMAC-SHA256 tag over IV and ciphertext. The tag is checked in
// constant time before any unpadding, so a wrong key, a wrong IV and a corrupted
// payload all surface as the same ErrDecryption and no padding oracle exists.
//
// All functions are stateless and safe for concurrent use.
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the content key size (AES-256).
	KeySize = 32
	// IVSize is the CBC initialization vector size.
	IVSize = aes.BlockSize
	// TagSize is the length of the authentication tag appended to the ciphertext.
	TagSize = sha256.Size
)

var (
	ErrInvalidKeySize = errors.New("seal: invalid key size: must be 32 bytes")
	// ErrDecryption is returned for every decryption failure. Callers must not try
	// to tell the causes apart.
	ErrDecryption = errors.New("seal: decryption failed")
)

// hkdf info strings separating the two subkeys derived from a content key.
var (
	encInfo = []byte("foxiles/seal/v1/enc")
	macInfo = []byte("foxiles/seal/v1/mac")
)

// GenerateKey returns a new random content key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("seal: generate key: %w", err)
	}
	return key, nil
}

// GenerateIV returns a new random initialization vector.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("seal: generate iv: %w", err)
	}
	return iv, nil
}

// Encrypt encrypts plaintext under key with a fresh IV. The IV is not secret and
// is returned separately so it can travel in container metadata.
func Encrypt(plaintext, key []byte) (iv, ciphertext []byte, err error) {
	encKey, macKey, err := deriveKeys(key)
	if err != nil {
		return nil, nil, err
	}

	iv, err = GenerateIV()
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, fmt.Errorf("seal: aes cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded), len(padded)+TagSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return iv, append(out, tag(macKey, iv, out)...), nil
}

// Decrypt reverses Encrypt. Any mismatch in key, IV, tag, length or padding
// returns ErrDecryption.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(iv) != IVSize || len(ciphertext) < aes.BlockSize+TagSize {
		return nil, ErrDecryption
	}
	encKey, macKey, err := deriveKeys(key)
	if err != nil {
		return nil, ErrDecryption
	}

	body := ciphertext[:len(ciphertext)-TagSize]
	if len(body)%aes.BlockSize != 0 {
		return nil, ErrDecryption
	}
	if !hmac.Equal(tag(macKey, iv, body), ciphertext[len(body):]) {
		return nil, ErrDecryption
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, ErrDecryption
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	out, ok := unpad(plain, aes.BlockSize)
	if !ok {
		return nil, ErrDecryption
	}
	return out, nil
}

func deriveKeys(key []byte) (encKey, macKey []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKeySize
	}
	encKey = make([]byte, KeySize)
	macKey = make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, encInfo), encKey); err != nil {
		return nil, nil, fmt.Errorf("seal: derive enc key: %w", err)
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, macInfo), macKey); err != nil {
		return nil, nil, fmt.Errorf("seal: derive mac key: %w", err)
	}
	return encKey, macKey, nil
}

func tag(macKey, iv, body []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(iv)
	m.Write(body)
	return m.Sum(nil)
}

// pad applies PKCS#7 padding. A full block is added when len(b) is aligned.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
