package resume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-chunkstream/transfer"
)

// FileRecorder keeps one JSON file per key in a directory.
type FileRecorder struct {
	dir string
}

// NewFileRecorder creates dir if needed.
func NewFileRecorder(dir string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileRecorder{dir: dir}, nil
}

func (r *FileRecorder) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:])+".json")
}

// Load ...
func (r *FileRecorder) Load(_ context.Context, key string) (transfer.Checkpoint, error) {
	data, err := os.ReadFile(r.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return transfer.Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return transfer.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp transfer.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return transfer.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save replaces the checkpoint of key atomically.
func (r *FileRecorder) Save(_ context.Context, key string, cp transfer.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint file: %w", err)
	}
	return os.Rename(tmp.Name(), r.path(key))
}

// Delete ...
func (r *FileRecorder) Delete(_ context.Context, key string) error {
	err := os.Remove(r.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoCheckpoint
	}
	return err
}
