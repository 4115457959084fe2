package dashboard

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"doorwatch/render"
)

// WriteSnapshot encodes img as PNG and atomically replaces path with it, so
// readers never observe a partial image.
func WriteSnapshot(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := render.EncodePNG(&buf, img); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	tmpPath := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
