package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of the install key and of the derived sealing key.
const KeySize = 32

// sealedVersion prefixes every sealed record and is authenticated as
// part of the AAD, so a flipped version byte fails to open.
const sealedVersion byte = 0x01

var hkdfInfoCredentials = []byte("library.credentials.v1")

// ErrCorrupt is returned when a stored record cannot be opened with the
// install key: it was tampered with, truncated, or sealed under a
// different key.
var ErrCorrupt = errors.New("storage: credential record cannot be opened")

// record is the plaintext of a stored credential.
type record struct {
	Token   string    `cbor:"token"`
	SavedAt time.Time `cbor:"saved_at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// sealer encrypts records with XChaCha20-Poly1305 under a key derived
// from the install key.
type sealer struct {
	key []byte
}

func newSealer(installKey []byte) (*sealer, error) {
	if len(installKey) != KeySize {
		return nil, fmt.Errorf("storage: install key must be %d bytes, got %d", KeySize, len(installKey))
	}
	derived := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, installKey, nil, hkdfInfoCredentials)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("storage: derive sealing key: %w", err)
	}
	return &sealer{key: derived}, nil
}

// seal encodes rec and encrypts it. The output is
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// with the version byte and the record name as AAD, which binds a
// sealed blob to the row it was written to.
func (s *sealer) seal(name string, rec record) ([]byte, error) {
	plaintext, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("storage: create cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("storage: generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealedVersion)
	out = append(out, nonce[:]...)
	return aead.Seal(out, nonce[:], plaintext, buildAAD(name)), nil
}

func (s *sealer) open(name string, blob []byte) (record, error) {
	var rec record
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || blob[0] != sealedVersion {
		return rec, ErrCorrupt
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return rec, fmt.Errorf("storage: create cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], buildAAD(name))
	if err != nil {
		return rec, ErrCorrupt
	}
	if err := decMode.Unmarshal(plaintext, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}

func buildAAD(name string) []byte {
	aad := make([]byte, 0, 1+len(name))
	aad = append(aad, sealedVersion)
	return append(aad, name...)
}

// loadOrCreateKey reads the install key at path, creating it with fresh
// random bytes (mode 0600) when it does not exist yet.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("storage: key file %s holds %d bytes, want %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: read key file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create key dir: %w", err)
		}
	}
	key = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("storage: generate key: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Lost a race with another process creating the key.
		return loadOrCreateKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: create key file: %w", err)
	}
	if _, err := file.Write(key); err != nil {
		file.Close()
		return nil, fmt.Errorf("storage: write key file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("storage: close key file: %w", err)
	}
	return key, nil
}
