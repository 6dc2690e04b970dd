// Package device persists the SDK's install secret and device id in a
// single small file, atomically via tmp-file-then-rename (device-scoped,
// not multi-tenant).
package device

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the persisted device record: a random install secret used for
// HMAC key derivation, and a UUIDv4 device id that Store.Reset can rotate.
// The device id is not included in batch requests to the ingest endpoint.
type Identity struct {
	DeviceID      string `json:"device_id"`
	InstallSecret []byte `json:"-"`
	installB64    string
}

type onDisk struct {
	DeviceID      string `json:"device_id"`
	InstallSecret string `json:"install_secret"`
}

// Store reads and writes the Identity to a single file at Path.
type Store struct {
	Path string
}

// Load reads the identity from disk, creating it with fresh random material
// on first use. The install secret is read once and cached immutably by the
// returned Identity.
func (s *Store) Load() (*Identity, error) {
	b, err := os.ReadFile(s.Path)
	if err == nil {
		var d onDisk
		if jerr := json.Unmarshal(b, &d); jerr != nil {
			return nil, fmt.Errorf("device: corrupt identity file: %w", jerr)
		}
		secret, derr := base64.StdEncoding.DecodeString(d.InstallSecret)
		if derr != nil {
			return nil, fmt.Errorf("device: corrupt install secret: %w", derr)
		}
		return &Identity{DeviceID: d.DeviceID, InstallSecret: secret, installB64: d.InstallSecret}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("device: reading identity file: %w", err)
	}
	id, genErr := generate()
	if genErr != nil {
		return nil, genErr
	}
	if err := s.persist(id); err != nil {
		return nil, err
	}
	return id, nil
}

// Reset generates a new device id, keeping the existing install secret, and
// persists it. Returns the new device id.
func (s *Store) Reset(current *Identity) (string, error) {
	newID := uuid.New().String()
	next := &Identity{DeviceID: newID, InstallSecret: current.InstallSecret, installB64: current.installB64}
	if err := s.persist(next); err != nil {
		return "", err
	}
	return newID, nil
}

func (s *Store) persist(id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("device: creating identity dir: %w", err)
	}
	d := onDisk{DeviceID: id.DeviceID, InstallSecret: id.installB64}
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("device: encoding identity: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("device: writing identity file: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

func generate() (*Identity, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("device: generating install secret: %w", err)
	}
	b64 := base64.StdEncoding.EncodeToString(secret)
	return &Identity{
		DeviceID:      uuid.New().String(),
		InstallSecret: secret,
		installB64:    b64,
	}, nil
}
