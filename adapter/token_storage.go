package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements CredentialStore as one JSON document on disk
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-based credential store at dir/filename.
// The directory is created with owner-only permissions.
func NewFileStore(dir, filename string) (*FileStore, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, filename)}, nil
}

// Path returns the file backing the store
func (f *FileStore) Path() string {
	return f.path
}

// Get returns the value stored under key
func (f *FileStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return v, nil
}

// Set stores value under key and rewrites the file
func (f *FileStore) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

// Clear deletes the credential file
func (f *FileStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

func (f *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return values, nil
}

func (f *FileStore) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	// Write to a sibling file first so a crash never leaves half a document
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// NewStore creates the credential store selected by cfg.Driver
func NewStore(ctx context.Context, cfg StoreConfig) (CredentialStore, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile, "":
		filename := cfg.Filename
		if filename == "" {
			filename = "session.json"
		}
		return NewFileStore(cfg.Dir, filename)
	case DriverRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("%w: redis store requires a redis url", ErrInvalidConfig)
		}
		return NewRedisStore(ctx, cfg.RedisURL, cfg.Namespace)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, cfg.Driver)
	}
}
