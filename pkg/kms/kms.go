// Package kms holds the master keys that wrap per-container content keys.
//
// Master keys are versioned. A wrapped key is "v<N>:<base64(nonce|ciphertext)>"
// where N is the master key version it was sealed under. Each container gets its
// own key-encryption key, derived with HKDF-SHA256 from the master key and the
// container's tracking ID, so a wrapped key only opens for the container it was
// issued to. Rotation adds a new active version; old versions stay available for
// unwrapping.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const masterKeySize = 32

// ErrUnwrap is returned when a wrapped key cannot be opened.
var ErrUnwrap = errors.New("kms: unwrap failed")

// KeyWrapper seals and opens content keys for a single container.
type KeyWrapper interface {
	WrapKey(contentKey []byte, trackingID uuid.UUID) (string, error)
	UnwrapKey(wrapped string, trackingID uuid.UUID) ([]byte, error)
}

// Keystore is the on-disk JSON format for persisted master keys.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64 master key
}

// LocalKMS keeps versioned master keys in a 0600 JSON file. An empty path keeps
// them in memory only.
type LocalKMS struct {
	mu    sync.RWMutex
	store Keystore
	path  string
	keys  map[int][]byte
}

var _ KeyWrapper = (*LocalKMS)(nil)

// NewLocalKMS loads the keystore at path, creating it with a fresh version 1 key
// when it does not exist.
func NewLocalKMS(path string) (*LocalKMS, error) {
	k := &LocalKMS{path: path, keys: make(map[int][]byte)}

	if path == "" {
		return k, k.initialize()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		return k, k.initialize()
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}

	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	for vStr, encoded := range k.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need %d)", v, len(key), masterKeySize)
		}
		k.keys[v] = key
	}
	if _, ok := k.keys[k.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}
	return k, nil
}

// NewEphemeralKMS returns an in-memory KMS. Keys are lost on exit.
func NewEphemeralKMS() (*LocalKMS, error) {
	return NewLocalKMS("")
}

func (k *LocalKMS) initialize() error {
	key, err := randomKey()
	if err != nil {
		return err
	}
	k.store = Keystore{
		ActiveVersion: 1,
		Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
	}
	k.keys[1] = key
	return k.persist()
}

// WrapKey seals contentKey under the active master version for trackingID.
func (k *LocalKMS) WrapKey(contentKey []byte, trackingID uuid.UUID) (string, error) {
	if len(contentKey) == 0 {
		return "", errors.New("kms: empty content key")
	}
	if trackingID == uuid.Nil {
		return "", errors.New("kms: nil tracking id")
	}

	k.mu.RLock()
	version := k.store.ActiveVersion
	master := k.keys[version]
	k.mu.RUnlock()

	kek, err := deriveKEK(master, trackingID)
	if err != nil {
		return "", err
	}
	ct, err := aesGCMSeal(kek, contentKey, trackingID[:])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// UnwrapKey opens a key produced by WrapKey. A different tracking ID, an unknown
// version or a corrupted blob all return an error wrapping ErrUnwrap.
func (k *LocalKMS) UnwrapKey(wrapped string, trackingID uuid.UUID) ([]byte, error) {
	version, payload, err := parseVersioned(wrapped)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	master, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrUnwrap, version)
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnwrap, err)
	}
	kek, err := deriveKEK(master, trackingID)
	if err != nil {
		return nil, err
	}
	pt, err := aesGCMOpen(kek, ct, trackingID[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return pt, nil
}

// Rotate generates a new active master key version.
func (k *LocalKMS) Rotate() (int, error) {
	key, err := randomKey()
	if err != nil {
		return 0, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	next := k.store.ActiveVersion + 1
	k.store.Keys[strconv.Itoa(next)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = next
	k.keys[next] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

// ActiveVersion returns the master key version new wraps use.
func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

// SigningSecret derives a purpose-bound secret from the active master key, for
// subsystems (release tickets) that need an HMAC key without their own keystore.
func (k *LocalKMS) SigningSecret(purpose string) ([]byte, error) {
	k.mu.RLock()
	master := k.keys[k.store.ActiveVersion]
	k.mu.RUnlock()

	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("foxiles/kms/purpose/"+purpose)), out); err != nil {
		return nil, fmt.Errorf("kms: derive secret: %w", err)
	}
	return out, nil
}

func (k *LocalKMS) persist() error {
	if k.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key: %w", err)
	}
	return key, nil
}

func deriveKEK(master []byte, trackingID uuid.UUID) ([]byte, error) {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, master, trackingID[:], []byte("foxiles/kms/kek/v1"))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("kms: derive kek: %w", err)
	}
	return kek, nil
}

func aesGCMSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func aesGCMOpen(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, aad)
}

// parseVersioned splits "v<N>:<payload>" into (N, payload).
func parseVersioned(s string) (int, string, error) {
	rest, ok := strings.CutPrefix(s, "v")
	if !ok {
		return 0, "", fmt.Errorf("%w: missing version prefix", ErrUnwrap)
	}
	vStr, payload, ok := strings.Cut(rest, ":")
	if !ok || vStr == "" {
		return 0, "", fmt.Errorf("%w: malformed wrapped key", ErrUnwrap)
	}
	v, err := strconv.Atoi(vStr)
	if err != nil {
		return 0, "", fmt.Errorf("%w: parse version: %v", ErrUnwrap, err)
	}
	return v, payload, nil
}
