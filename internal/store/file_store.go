package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPersistence is returned when the store file cannot be read or written.
var ErrPersistence = errors.New("session store persistence failed")

// ErrNilEnvelope is returned when Save is called without an envelope.
var ErrNilEnvelope = errors.New("session store envelope is nil")

// Cipher seals and opens the store payload.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(blob string) ([]byte, error)
}

// FileStore keeps one encrypted envelope in a single file, with the previous
// good write retained at <path>.bak.
type FileStore struct {
	mu     sync.Mutex
	path   string
	cipher Cipher
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger used for fallback and backup messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *FileStore) { s.logger = logger }
}

// WithNow sets the time source used to stamp migrated records.
func WithNow(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore creates a store for path sealed with cipher.
func NewFileStore(path string, cipher Cipher, opts ...Option) *FileStore {
	s := &FileStore{
		path:   path,
		cipher: cipher,
		now:    time.Now,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the primary file path.
func (s *FileStore) Path() string { return s.path }

// BackupPath returns the backup file path.
func (s *FileStore) BackupPath() string { return s.path + ".bak" }

// Load reads the envelope. The returned envelope is always usable: a missing
// file yields an empty envelope, and an undecryptable primary falls back to
// the backup and then to an empty envelope. A non-nil error alongside the
// envelope describes the failure that was recovered from. Errors wrapping
// ErrPersistence mean the primary could not be read at all and the caller may
// retry.
func (s *FileStore) Load() (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.readFile(s.path)
	if err == nil {
		return env, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		backup, berr := s.readFile(s.BackupPath())
		switch {
		case berr == nil:
			s.logger.Warn().Str("path", s.path).Msg("session store missing, restored from backup")
			backup.resave = true
			return backup, nil
		case errors.Is(berr, fs.ErrNotExist):
			return NewEnvelope(), nil
		default:
			s.logger.Error().Err(berr).Str("path", s.BackupPath()).Msg("session store backup unreadable, starting empty")
			return NewEnvelope(), fmt.Errorf("load backup: %w", berr)
		}
	}

	if errors.Is(err, ErrPersistence) {
		return NewEnvelope(), err
	}

	s.logger.Warn().Err(err).Str("path", s.path).Msg("session store unreadable, trying backup")

	backup, berr := s.readFile(s.BackupPath())
	if berr == nil {
		s.logger.Warn().
			Str("backup", s.BackupPath()).
			Int("sessions", len(backup.Sessions)).
			Msg("session store restored from backup")
		backup.resave = true
		return backup, fmt.Errorf("load primary: %w", err)
	}

	s.logger.Error().
		Err(berr).
		Str("path", s.path).
		Msg("session store and backup unreadable, sessions lost")

	return NewEnvelope(), errors.Join(fmt.Errorf("load primary: %w", err), fmt.Errorf("load backup: %w", berr))
}

// Save encrypts env and atomically replaces the primary file, first copying
// the current primary to the backup when it is still readable.
func (s *FileStore) Save(env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := Envelope{
		FormatVersion: CurrentFormatVersion,
		Sessions:      env.Sessions,
	}
	if out.Sessions == nil {
		out.Sessions = map[string]RecordData{}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	blob, err := s.cipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("%w: create directory: %v", ErrPersistence, err)
	}

	s.backupCurrent()

	if err := writeFileAtomic(s.path, []byte(blob)); err != nil {
		return err
	}

	env.resave = false

	return nil
}

// backupCurrent copies the primary to the backup path. Failures are logged
// and never fail the save.
func (s *FileStore) backupCurrent() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("failed to read session store for backup")
		}
		return
	}

	if _, err := s.cipher.Decrypt(string(data)); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("session store unreadable, keeping previous backup")
		return
	}

	if err := writeFileAtomic(s.BackupPath(), data); err != nil {
		s.logger.Warn().Err(err).Str("path", s.BackupPath()).Msg("failed to write session store backup")
	}
}

func (s *FileStore) readFile(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersistence, path, err)
	}

	plaintext, err := s.cipher.Decrypt(string(data))
	if err != nil {
		return nil, err
	}

	return decodeEnvelope(plaintext, s.now())
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrPersistence, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("%w: chmod temp file: %v", ErrPersistence, err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write temp file: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync temp file: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", ErrPersistence, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrPersistence, err)
	}

	return nil
}
