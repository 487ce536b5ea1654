package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and cipher parameters. They are part of the persisted format.
const (
	// DefaultIterations is the PBKDF2 round count used when none is configured.
	DefaultIterations = 100_000

	// MinIterations is the lowest accepted round count.
	MinIterations = 100_000

	// SaltSize is the length of the random PBKDF2 salt.
	SaltSize = 16

	// KeySize is the derived AES-256 key length.
	KeySize = 32

	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
)

// Key is a derived encryption key bound to the salt it was derived with. It
// lives in memory only.
type Key struct {
	aead cipher.AEAD
	salt []byte
}

// Salt returns a copy of the salt the key was derived from.
func (k *Key) Salt() []byte {
	return bytes.Clone(k.salt)
}

// Snapshot is an encrypted database image as persisted.
type Snapshot struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// DeriveKey derives an AES-256-GCM key with PBKDF2-HMAC-SHA256. A nil salt
// generates a fresh random one; otherwise salt must be [SaltSize] bytes.
// iterations of 0 means [DefaultIterations]; lower than [MinIterations] is
// rejected.
func DeriveKey(passphrase string, salt []byte, iterations int) (*Key, error) {
	if iterations == 0 {
		iterations = DefaultIterations
	}

	if iterations < MinIterations {
		return nil, fmt.Errorf("derive key: %d iterations is below the minimum of %d", iterations, MinIterations)
	}

	if salt == nil {
		salt = make([]byte, SaltSize)

		_, err := rand.Read(salt)
		if err != nil {
			return nil, fmt.Errorf("derive key: generate salt: %w", err)
		}
	} else {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("derive key: %w: salt is %d bytes, want %d", ErrCorruptSnapshot, len(salt), SaltSize)
		}

		salt = bytes.Clone(salt)
	}

	raw := pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &Key{aead: aead, salt: salt}, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(key *Key, plaintext []byte) (Snapshot, error) {
	nonce := make([]byte, NonceSize)

	_, err := rand.Read(nonce)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encrypt: generate nonce: %w", err)
	}

	return Snapshot{
		Salt:       key.Salt(),
		Nonce:      nonce,
		Ciphertext: key.aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens snap under key. Any authentication failure, most often a
// wrong passphrase, returns [ErrAuthenticationFailed] itself.
func Decrypt(key *Key, snap Snapshot) ([]byte, error) {
	if len(snap.Nonce) != NonceSize {
		return nil, fmt.Errorf("decrypt: %w: nonce is %d bytes, want %d", ErrCorruptSnapshot, len(snap.Nonce), NonceSize)
	}

	plain, err := key.aead.Open(nil, snap.Nonce, snap.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plain, nil
}
