// Package crypto implements the SDK's symmetric encryption-at-rest layer: a
// versioned AES-256-GCM provider and a Noop variant used when encryption is
// disabled.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kioskops/edge-sdk/internal/kerrors"
)

const magic = "KAG1"

// KeyMetadata describes one resolvable symmetric key.
type KeyMetadata struct {
	Version            int    `json:"version"`
	CreatedMs          int64  `json:"created_ms"`
	Algorithm          string `json:"algorithm"`
	KeyLengthBits      int    `json:"key_length_bits"`
	RotatedFromVersion int    `json:"rotated_from_version,omitempty"`
	IsHardwareBacked   bool   `json:"is_hardware_backed,omitempty"`
}

// Provider is the symmetric AEAD interface the rest of the SDK depends on.
type Provider interface {
	Enabled() bool
	Encrypt(plain []byte) (blob []byte, err error)
	Decrypt(blob []byte) (plain []byte, err error)
	CurrentKeyVersion() int
	KeyFor(version int) (KeyMetadata, bool)
}

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// AESGCMProvider implements Provider with versioned AES-256-GCM keys. Blob
// layout: magic "KAG1" | version uint16 BE | 12-byte nonce | ciphertext+tag.
type AESGCMProvider struct {
	mu      sync.RWMutex
	keys    map[int]aesKey
	current int
	clock   Clock
}

type aesKey struct {
	meta  KeyMetadata
	gcm   cipher.AEAD
}

// NewAESGCMProvider seeds the provider with a single version-1 key generated
// from a cryptographically random 32-byte seed.
func NewAESGCMProvider(clock Clock) (*AESGCMProvider, error) {
	if clock == nil {
		clock = time.Now
	}
	p := &AESGCMProvider{keys: map[int]aesKey{}, clock: clock}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("crypto: generating initial key: %w", err)
	}
	if err := p.addKey(1, seed, 0); err != nil {
		return nil, err
	}
	p.current = 1
	return p, nil
}

func (p *AESGCMProvider) addKey(version int, key []byte, rotatedFrom int) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("crypto: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("crypto: building GCM: %w", err)
	}
	p.keys[version] = aesKey{
		meta: KeyMetadata{
			Version:            version,
			CreatedMs:          p.clock().UnixMilli(),
			Algorithm:          "AES-256-GCM",
			KeyLengthBits:      len(key) * 8,
			RotatedFromVersion: rotatedFrom,
		},
		gcm: gcm,
	}
	return nil
}

func (p *AESGCMProvider) Enabled() bool { return true }

// CurrentKeyVersion returns the version used for new encryptions.
func (p *AESGCMProvider) CurrentKeyVersion() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// KeyFor returns metadata for a key version; old keys remain resolvable for decrypt.
func (p *AESGCMProvider) KeyFor(version int) (KeyMetadata, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.keys[version]
	if !ok {
		return KeyMetadata{}, false
	}
	return k.meta, true
}

// Rotate creates version+1 from a fresh random key and makes it current. Old
// keys remain resolvable for decrypt. Returns the new version.
func (p *AESGCMProvider) Rotate() (int, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return 0, fmt.Errorf("crypto: generating rotated key: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.current + 1
	if err := p.addKey(next, seed, p.current); err != nil {
		return 0, err
	}
	p.current = next
	return next, nil
}

// Encrypt seals plain under the current key version with a fresh random nonce.
func (p *AESGCMProvider) Encrypt(plain []byte) ([]byte, error) {
	p.mu.RLock()
	version := p.current
	k, ok := p.keys[version]
	p.mu.RUnlock()
	if !ok {
		return nil, kerrors.Wrap(kerrors.ErrUnknownKeyVersion, "current version %d", version)
	}

	nonce := make([]byte, k.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := make([]byte, 0, 4+2+len(nonce)+len(plain)+k.gcm.Overhead())
	out = append(out, magic...)
	var verBuf [2]byte
	binary.BigEndian.PutUint16(verBuf[:], uint16(version))
	out = append(out, verBuf[:]...)
	out = append(out, nonce...)
	out = k.gcm.Seal(out, nonce, plain, nil)
	return out, nil
}

// Decrypt authenticates and opens blob. It never substitutes plaintext on
// failure: magic mismatch, unknown version, or a failed tag all return
// ErrCorruptCiphertext / ErrUnknownKeyVersion.
func (p *AESGCMProvider) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 4+2+12 {
		return nil, kerrors.Wrap(kerrors.ErrCorruptCiphertext, "blob too short")
	}
	if string(blob[:4]) != magic {
		return nil, kerrors.Wrap(kerrors.ErrCorruptCiphertext, "bad magic")
	}
	version := int(binary.BigEndian.Uint16(blob[4:6]))

	p.mu.RLock()
	k, ok := p.keys[version]
	p.mu.RUnlock()
	if !ok {
		return nil, kerrors.Wrap(kerrors.ErrUnknownKeyVersion, "version %d", version)
	}

	nonceSize := k.gcm.NonceSize()
	rest := blob[6:]
	if len(rest) < nonceSize {
		return nil, kerrors.Wrap(kerrors.ErrCorruptCiphertext, "blob truncated")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]
	plain, err := k.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrCorruptCiphertext, "authentication failed")
	}
	return plain, nil
}

// Noop is used when encryption is disabled; encoding is PLAIN_UTF8 and
// encrypt/decrypt are identity.
type Noop struct{}

func (Noop) Enabled() bool                          { return false }
func (Noop) Encrypt(plain []byte) ([]byte, error)    { return plain, nil }
func (Noop) Decrypt(blob []byte) ([]byte, error)     { return blob, nil }
func (Noop) CurrentKeyVersion() int                  { return 0 }
func (Noop) KeyFor(int) (KeyMetadata, bool)          { return KeyMetadata{}, false }
