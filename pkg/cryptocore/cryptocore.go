// Package cryptocore implements the daemon's cryptographic
// collaborator (spec §6): passphrase-based master key derivation,
// symmetric wrap/unwrap of keychain blobs, and blob signing for
// passphrase validation. Master keys are never logged or returned
// across this boundary except via the keychain package's
// extractMasterKey.
//
// The AES-256-GCM wrap/unwrap shape is kept close to
// warren/pkg/security/secrets.go's EncryptSecret/DecryptSecret. Key
// derivation is upgraded from the teacher's bare SHA-256 (fine for a
// cluster ID, not for a user passphrase) to scrypt, and master key
// buffers are mlocked per spec §5 ("Master-secret buffers are locked
// in memory (not swappable) and explicitly zeroized on transition to
// Locked").
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/sys/unix"
)

const (
	keySize  = 32 // AES-256
	saltSize = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// MasterKey holds raw key material that must never be swapped to
// disk and must be zeroized promptly once no longer needed.
type MasterKey struct {
	raw    []byte
	locked bool
}

// newMasterKey mlocks raw in place. If mlock fails (e.g. insufficient
// privilege, or a platform without the syscall), the key is still
// usable but unlocked is reported so callers can log it.
func newMasterKey(raw []byte) *MasterKey {
	mk := &MasterKey{raw: raw}
	if err := unix.Mlock(raw); err == nil {
		mk.locked = true
	}
	return mk
}

// Bytes returns the raw key material. Callers must not retain it
// beyond the MasterKey's own lifetime.
func (k *MasterKey) Bytes() []byte { return k.raw }

// Locked reports whether the underlying buffer is pinned in memory.
func (k *MasterKey) Locked() bool { return k.locked }

// Zero overwrites and unlocks the key buffer. Idempotent.
func (k *MasterKey) Zero() {
	if k.raw == nil {
		return
	}
	for i := range k.raw {
		k.raw[i] = 0
	}
	if k.locked {
		_ = unix.Munlock(k.raw)
		k.locked = false
	}
	k.raw = nil
}

// Engine is the cryptographic collaborator contract: key derivation,
// authenticated symmetric encryption, and blob signing.
type Engine interface {
	NewSalt() ([]byte, error)
	DeriveMasterKey(passphrase []byte, salt []byte) (*MasterKey, error)
	Wrap(key *MasterKey, plaintext []byte) ([]byte, error)
	Unwrap(key *MasterKey, ciphertext []byte) ([]byte, error)
	Sign(key *MasterKey, data []byte) []byte
	Verify(key *MasterKey, data, sig []byte) bool
}

// AESEngine is the default Engine: scrypt key derivation plus
// AES-256-GCM authenticated encryption and HMAC-SHA256 signatures.
type AESEngine struct{}

// NewAESEngine constructs the default cryptographic collaborator.
func NewAESEngine() *AESEngine { return &AESEngine{} }

// NewSalt generates a fresh random salt for passphrase derivation.
func (AESEngine) NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveMasterKey derives a 32-byte master key from a passphrase and
// salt using scrypt.
func (AESEngine) DeriveMasterKey(passphrase []byte, salt []byte) (*MasterKey, error) {
	raw, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	return newMasterKey(raw), nil
}

// Wrap encrypts plaintext under key using AES-256-GCM, prepending the
// nonce to the returned ciphertext.
func (AESEngine) Wrap(key *MasterKey, plaintext []byte) ([]byte, error) {
	gcm, err := gcmFor(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unwrap decrypts data produced by Wrap.
func (AESEngine) Unwrap(key *MasterKey, ciphertext []byte) ([]byte, error) {
	gcm, err := gcmFor(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Sign computes an HMAC-SHA256 signature of data under key, used to
// validate a passphrase against a blob without fully decrypting it.
func (AESEngine) Sign(key *MasterKey, data []byte) []byte {
	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether sig is a valid HMAC-SHA256 signature of data
// under key.
func (e AESEngine) Verify(key *MasterKey, data, sig []byte) bool {
	return hmac.Equal(e.Sign(key, data), sig)
}

func gcmFor(key *MasterKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
