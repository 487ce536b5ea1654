// Package vault persists a database image as an encrypted snapshot in a
// [kv.Store].
//
// Each store name N occupies three keys:
//
//	N        AES-256-GCM ciphertext of the image (optionally zstd packed)
//	N-iv     12-byte nonce of that ciphertext
//	N-salt   16-byte PBKDF2 salt, stable for the life of the store
//
// The key is derived from a passphrase with PBKDF2-HMAC-SHA256 and never
// leaves memory. Every save draws a fresh nonce. The salt changes only on
// [Manager.Rekey].
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinalkan/docvault/internal/logging"
	"github.com/calvinalkan/docvault/pkg/kv"
)

var (
	// ErrAuthenticationFailed means the snapshot did not decrypt: a wrong
	// passphrase or a tampered or corrupted ciphertext. On a store whose
	// SetMany is not atomic, a save torn by a crash looks the same.
	ErrAuthenticationFailed = errors.New("authentication failed: wrong passphrase or corrupted snapshot")

	// ErrCorruptSnapshot means the persisted triple is incomplete or
	// malformed.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrSaltMismatch is returned by [Manager.Save] when the key was derived
	// from a different salt than the persisted one. Writing would leave a
	// snapshot no passphrase can open.
	ErrSaltMismatch = errors.New("key salt does not match persisted salt")
)

// ExportFunc returns the current raw database image.
type ExportFunc func(ctx context.Context) ([]byte, error)

// Exporter is a database that can produce its raw image.
type Exporter interface {
	Export(ctx context.Context) ([]byte, error)
}

// Options configures a [Manager].
type Options struct {
	// Iterations is the PBKDF2 round count. Zero means [DefaultIterations].
	Iterations int

	// Compression packs the image before encryption. Loading detects the
	// packing by itself, so changing this never strands old snapshots.
	Compression Compression

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Manager reads and writes encrypted snapshots.
type Manager struct {
	store       kv.Store
	iterations  int
	compression Compression
	logger      *slog.Logger

	// writeMu orders Save against Rekey so a save with a stale key can never
	// overwrite a freshly rotated salt.
	writeMu sync.Mutex
}

// NewManager returns a manager on store.
func NewManager(store kv.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("vault: store is nil")
	}

	iterations := opts.Iterations
	if iterations == 0 {
		iterations = DefaultIterations
	}

	if iterations < MinIterations {
		return nil, fmt.Errorf("vault: %d iterations is below the minimum of %d", iterations, MinIterations)
	}

	if !opts.Compression.valid() {
		return nil, fmt.Errorf("vault: unknown compression %q", opts.Compression)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Manager{
		store:       store,
		iterations:  iterations,
		compression: opts.Compression,
		logger:      logger,
	}, nil
}

func ivKey(name string) string   { return name + "-iv" }
func saltKey(name string) string { return name + "-salt" }

// DeriveKey derives a key with the manager's iteration count.
func (m *Manager) DeriveKey(passphrase string, salt []byte) (*Key, error) {
	return DeriveKey(passphrase, salt, m.iterations)
}

// Save exports the image, encrypts it under key and writes the snapshot for
// name. The persisted salt, if any, is reused; it must be the salt key was
// derived from or Save fails with [ErrSaltMismatch] without writing.
func (m *Manager) Save(ctx context.Context, name string, key *Key, export ExportFunc) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	stored, err := m.store.Get(ctx, saltKey(name))

	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return fmt.Errorf("save %s: read salt: %w", name, err)
	case !bytes.Equal(stored, key.salt):
		return fmt.Errorf("save %s: %w", name, ErrSaltMismatch)
	}

	return m.write(ctx, name, key, export)
}

// write encrypts and stores one snapshot. writeMu must be held.
func (m *Manager) write(ctx context.Context, name string, key *Key, export ExportFunc) error {
	begin := time.Now()

	image, err := export(ctx)
	if err != nil {
		return fmt.Errorf("save %s: export: %w", name, err)
	}

	packed, err := compress(m.compression, image)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}

	snap, err := Encrypt(key, packed)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}

	err = m.store.SetMany(ctx, []kv.Entry{
		{Key: name, Value: snap.Ciphertext},
		{Key: ivKey(name), Value: snap.Nonce},
		{Key: saltKey(name), Value: snap.Salt},
	})
	if err != nil {
		return fmt.Errorf("save %s: write: %w", name, err)
	}

	m.logger.Debug("snapshot saved",
		"name", name,
		"image_bytes", len(image),
		"stored_bytes", len(snap.Ciphertext),
		"elapsed", time.Since(begin),
	)

	return nil
}

// Rekey rotates the salt and derives a new key from newPassphrase, then
// writes the current image under it. The returned key replaces the old one
// for all later saves.
func (m *Manager) Rekey(ctx context.Context, name, newPassphrase string, export ExportFunc) (*Key, error) {
	key, err := m.DeriveKey(newPassphrase, nil)
	if err != nil {
		return nil, fmt.Errorf("rekey %s: %w", name, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err = m.write(ctx, name, key, export)
	if err != nil {
		return nil, fmt.Errorf("rekey %s: %w", name, err)
	}

	m.logger.Info("snapshot rekeyed", "name", name)

	return key, nil
}

// Load opens the database persisted under name.
//
// When nothing is persisted yet it bootstraps: open receives a nil image, a
// fresh key and salt are derived, and the empty database is saved at once.
// Otherwise the key is derived from passphrase and the stored salt and the
// snapshot decrypted. A failed decryption returns [ErrAuthenticationFailed]
// unwrapped and never an empty database.
func Load[E Exporter](ctx context.Context, m *Manager, name, passphrase string, open func(ctx context.Context, image []byte) (E, error)) (E, *Key, error) {
	var zero E

	vals, err := m.store.GetMany(ctx, []string{name, ivKey(name), saltKey(name)})
	if err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", name, err)
	}

	cipherText, nonce, salt := vals[0], vals[1], vals[2]

	if cipherText == nil {
		return bootstrap(ctx, m, name, passphrase, salt, open)
	}

	if nonce == nil || salt == nil {
		return zero, nil, fmt.Errorf("load %s: %w: ciphertext without nonce or salt", name, ErrCorruptSnapshot)
	}

	key, err := m.DeriveKey(passphrase, salt)
	if err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", name, err)
	}

	plain, err := Decrypt(key, Snapshot{Salt: salt, Nonce: nonce, Ciphertext: cipherText})
	if errors.Is(err, ErrAuthenticationFailed) {
		return zero, nil, ErrAuthenticationFailed
	}

	if err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", name, err)
	}

	image, err := decompress(plain)
	if err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", name, err)
	}

	db, err := open(ctx, image)
	if err != nil {
		return zero, nil, fmt.Errorf("load %s: open image: %w", name, err)
	}

	m.logger.Info("snapshot loaded", "name", name, "image_bytes", len(image))

	return db, key, nil
}

// bootstrap creates, keys and saves a new empty database. A salt left behind
// by an interrupted earlier bootstrap is reused.
func bootstrap[E Exporter](ctx context.Context, m *Manager, name, passphrase string, salt []byte, open func(context.Context, []byte) (E, error)) (E, *Key, error) {
	var zero E

	db, err := open(ctx, nil)
	if err != nil {
		return zero, nil, fmt.Errorf("bootstrap %s: open: %w", name, err)
	}

	key, err := m.DeriveKey(passphrase, salt)
	if err == nil {
		err = m.Save(ctx, name, key, db.Export)
	}

	if err != nil {
		if c, ok := any(db).(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}

		return zero, nil, fmt.Errorf("bootstrap %s: %w", name, err)
	}

	m.logger.Info("snapshot bootstrapped", "name", name)

	return db, key, nil
}
