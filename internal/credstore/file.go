package credstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/lachlan2k/busline/internal/logging"
)

// errUnreadable marks a document that exists but can't be decrypted or parsed.
var errUnreadable = errors.New("credential file is unreadable")

type fileBackend struct {
	mu       sync.Mutex
	path     string
	identity *age.X25519Identity
	logger   *slog.Logger
}

// OpenFileStore keeps both keys in a single JSON document at path. Every
// write replaces the whole document (temp file, fsync, rename), so a crash
// leaves either the old or the new contents on disk.
//
// If identity is non-nil the document is age-encrypted to its recipient.
// A document that can't be decrypted or parsed reads as empty and is
// replaced by the next write.
func OpenFileStore(path string, identity *age.X25519Identity, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("credstore: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: creating %s: %w", filepath.Dir(path), err)
	}

	b := &fileBackend{
		path:     path,
		identity: identity,
		logger:   logging.Discard(logger).With("component", "credstore"),
	}

	// I/O errors surface now rather than on first use
	if _, _, err := b.loadOrReset(); err != nil {
		return nil, err
	}
	return newStore(b), nil
}

// LoadIdentity reads an age identity file as written by age-keygen.
// Comment lines are skipped and the first AGE-SECRET-KEY line wins.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("credstore: opening identity: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("credstore: parsing identity in %s: %w", path, err)
		}
		return identity, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("credstore: reading identity: %w", err)
	}
	return nil, fmt.Errorf("credstore: no identity found in %s", path)
}

func (f *fileBackend) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", f.path, err)
	}
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	if f.identity != nil {
		reader, err := age.Decrypt(bytes.NewReader(raw), f.identity)
		if err != nil {
			return nil, fmt.Errorf("credstore: decrypting %s: %w: %w", f.path, errUnreadable, err)
		}
		raw, err = io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("credstore: decrypting %s: %w: %w", f.path, errUnreadable, err)
		}
	}

	values := make(map[string]string)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("credstore: %s is corrupt: %w: %w", f.path, errUnreadable, err)
	}
	return values, nil
}

// loadOrReset is load, except an unreadable document counts as empty.
// reset reports that case so writers know the file needs replacing.
func (f *fileBackend) loadOrReset() (values map[string]string, reset bool, err error) {
	values, err = f.load()
	if errors.Is(err, errUnreadable) {
		f.logger.Warn("ignoring unreadable credential file, it will be replaced on the next write", "path", f.path, "error", err)
		return map[string]string{}, true, nil
	}
	return values, false, err
}

func (f *fileBackend) save(values map[string]string) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}

	if f.identity != nil {
		var ciphertext bytes.Buffer
		writer, err := age.Encrypt(&ciphertext, f.identity.Recipient())
		if err != nil {
			return fmt.Errorf("credstore: encrypting: %w", err)
		}
		if _, err := writer.Write(raw); err != nil {
			return fmt.Errorf("credstore: encrypting: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("credstore: encrypting: %w", err)
		}
		raw = ciphertext.Bytes()
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("credstore: replacing %s: %w", f.path, err)
	}
	return nil
}

func (f *fileBackend) get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, _, err := f.loadOrReset()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *fileBackend) put(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, _, err := f.loadOrReset()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

func (f *fileBackend) delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, reset, err := f.loadOrReset()
	if err != nil {
		return err
	}

	changed := reset
	for _, k := range keys {
		if _, ok := values[k]; ok {
			delete(values, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.save(values)
}

func (f *fileBackend) close() error {
	return nil
}
