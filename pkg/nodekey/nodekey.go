// Package nodekey persists a node's libp2p identity key across restarts.
//
// Without this, a node would generate a fresh Ed25519 key (and therefore a
// fresh peer.ID) every time it started, making it unreachable at its
// previously advertised address. LoadOrCreate reads an existing key file or
// generates and saves a new one, optionally passphrase-protecting it at
// rest with AES-GCM.
package nodekey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the file-encryption key from the
// passphrase: 1 iteration, 64MB memory, 4 lanes, 32-byte output for
// AES-256.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
	saltLen    = 32
)

// PassphraseFunc returns the passphrase used to protect the key file.
// PromptPassphrase is the interactive implementation; tests and
// non-interactive deployments can supply their own.
type PassphraseFunc func() (string, error)

// LoadOrCreate reads the Ed25519 identity key at path, or generates and
// saves one if path doesn't exist yet. If passphrase is non-nil, the key
// is encrypted at rest (AES-GCM, key derived from the passphrase via
// Argon2id over a per-file random salt) and passphrase is called once to
// seal or unseal it; pass nil to store the key unencrypted.
func LoadOrCreate(path string, passphrase PassphraseFunc) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decode(data, passphrase)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("nodekey: read %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("nodekey: generate key: %w", err)
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("nodekey: marshal key: %w", err)
	}

	sealed, err := seal(raw, passphrase)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("nodekey: create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("nodekey: write %s: %w", path, err)
	}

	return priv, nil
}

// seal encrypts raw with a key derived from passphrase(), or returns it
// unchanged if passphrase is nil.
func seal(raw []byte, passphrase PassphraseFunc) ([]byte, error) {
	if passphrase == nil {
		return raw, nil
	}
	pass, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("nodekey: read passphrase: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("nodekey: generate salt: %w", err)
	}
	gcm, err := newGCM(pass, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nodekey: generate nonce: %w", err)
	}
	// File layout: salt || nonce || ciphertext.
	return gcm.Seal(append(salt, nonce...), nonce, raw, nil), nil
}

// decode reverses seal: if passphrase is nil, data is treated as an
// unencrypted marshaled private key; otherwise it's decrypted first.
func decode(data []byte, passphrase PassphraseFunc) (crypto.PrivKey, error) {
	raw := data
	if passphrase != nil {
		pass, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("nodekey: read passphrase: %w", err)
		}
		if len(data) < saltLen {
			return nil, fmt.Errorf("nodekey: key file too short to contain a salt")
		}
		salt, rest := data[:saltLen], data[saltLen:]
		gcm, err := newGCM(pass, salt)
		if err != nil {
			return nil, err
		}
		if len(rest) < gcm.NonceSize() {
			return nil, fmt.Errorf("nodekey: key file too short to contain a nonce")
		}
		nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
		raw, err = gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("nodekey: decrypt key (wrong passphrase?): %w", err)
		}
	}

	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("nodekey: unmarshal key: %w", err)
	}
	return priv, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("nodekey: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("nodekey: init gcm: %w", err)
	}
	return gcm, nil
}
