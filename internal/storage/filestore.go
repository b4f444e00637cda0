package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/your-org/facelock/internal/identity"
)

const fileFormatVersion = 1

type fileContents struct {
	Version    int                 `json:"version"`
	Identities []identity.Identity `json:"identities"`
}

// FileBackend keeps the whole identity store in one JSON file, replaced
// atomically on every commit.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Path() string { return b.path }

// Load returns the stored identities. A missing file is an empty store.
func (b *FileBackend) Load(_ context.Context) ([]identity.Identity, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}

	var fc fileContents
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	if fc.Version != fileFormatVersion {
		return nil, fmt.Errorf("decode %s: unsupported version %d", b.path, fc.Version)
	}
	return fc.Identities, nil
}

func (b *FileBackend) Commit(ctx context.Context, _ identity.Change, next []identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if next == nil {
		next = []identity.Identity{}
	}
	data, err := json.Marshal(fileContents{Version: fileFormatVersion, Identities: next})
	if err != nil {
		return fmt.Errorf("encode identities: %w", err)
	}
	if err := renameio.WriteFile(b.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", b.path, err)
	}
	return nil
}
