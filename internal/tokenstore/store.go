package tokenstore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/presencelink/agent/internal/logging"
)

var log = logging.L("tokenstore")

const (
	sessionFile = "session.bin"
	keyFile     = "session.key"
	keySize     = 32
	nonceSize   = 24
)

// Session is the persisted account/token pair. At most one exists at a time.
type Session struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Store persists a single session token, sealed at rest.
type Store interface {
	Has() bool
	Load() (*Session, error)
	Save(Session) error
	Delete() error
}

// FileStore keeps the sealed session in a directory alongside a locally
// generated key file. Both are owner-only; the key never leaves the machine.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir (typically the config dir).
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Has reports whether a persisted session exists.
func (s *FileStore) Has() bool {
	_, err := os.Stat(filepath.Join(s.dir, sessionFile))
	return err == nil
}

// Load returns the persisted session, or nil if none exists.
func (s *FileStore) Load() (*Session, error) {
	sealed, err := os.ReadFile(filepath.Join(s.dir, sessionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("session file truncated (%d bytes)", len(sealed))
	}

	key, err := s.loadKey()
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("session file failed authentication, refusing to load")
	}

	var sess Session
	if err := json.Unmarshal(plain, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Save seals and persists the session, overwriting any existing one.
func (s *FileStore) Save(sess Session) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	plain, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plain, &nonce, key)
	path := filepath.Join(s.dir, sessionFile)
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}

	log.Debug("session persisted", "account", sess.Username)
	return nil
}

// Delete removes the persisted session. Idempotent; the key file stays so
// a later Save reuses it.
func (s *FileStore) Delete() error {
	err := os.Remove(filepath.Join(s.dir, sessionFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

func (s *FileStore) loadKey() (*[keySize]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("key file is %d bytes, want %d", len(raw), keySize)
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

func (s *FileStore) loadOrCreateKey() (*[keySize]byte, error) {
	key, err := s.loadKey()
	if err == nil {
		return key, nil
	}

	var fresh [keySize]byte
	if _, err := rand.Read(fresh[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, keyFile), fresh[:], 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return &fresh, nil
}
