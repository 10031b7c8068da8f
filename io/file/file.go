// Package file provides helpers for safely writing files to disk.
package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteSafe writes data to path by first writing it to a temporary file in
// the same directory and then renaming it to path. When the rename succeeds,
// the file at path is either the previous content or the new content, never
// a partial write. When the rename fails, replace falls back to rewriting
// the file at path in place, which gives no such guarantee.
func WriteSafe(path string, data []byte) error {
	dir, name := filepath.Split(path)

	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	tmpname := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpname)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpname)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpname)
		return err
	}

	if err := replace(tmpname, path); err != nil {
		os.Remove(tmpname)
		return err
	}

	return nil
}

// replace moves the temporary file onto its destination. The temporary
// file lives in the destination directory, so a plain rename covers the
// normal case; the copy fallback only kicks in when the destination is a
// mount point of its own (bind-mounted config files in containers).
func replace(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	data, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open temporary file: %w", err)
	}
	defer data.Close()

	target, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(target, data); err != nil {
		target.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy data to destination: %w", err)
	}

	if err := target.Sync(); err != nil {
		target.Close()
		return err
	}

	if err := target.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
