package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// tempPrefix names the scratch file SaveFile writes before the rename.
const tempPrefix = ".rapidcopy.tmp."

// backupRing is how many rolling backups SaveFile keeps per persisted
// file.
const backupRing = 10

// SaveFile atomically replaces path with content. The previous
// contents rotate into a ring of the last ten backups (path.bak.1 is
// the newest), then the new content is written to a temporary file in
// the same directory, synced, and renamed over the final path. A crash
// at any point leaves either the old state file or the new one, never
// a truncated mix.
func SaveFile(path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		rotateBackups(path)
	}

	fd, err := os.CreateTemp(filepath.Dir(path), tempPrefix)
	if err != nil {
		return err
	}
	// From here on the temp file must not outlive a failure.
	defer os.Remove(fd.Name())

	if err := os.Chmod(fd.Name(), mode); err != nil {
		fd.Close()
		return err
	}
	if _, err := fd.Write(content); err != nil {
		fd.Close()
		return err
	}
	// The rename only makes the write durable if the bytes are.
	if err := fd.Sync(); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}

	// Remove the destination file, on Windows only. If it fails, and
	// not due to the file not existing, the rename cannot complete
	// either; that error is the more informative one. Elsewhere the
	// rename itself is atomic, so no remove is attempted.
	if runtime.GOOS == "windows" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return os.Rename(fd.Name(), path)
}

func rotateBackups(path string) {
	// Oldest backup falls off the end; errors are ignored since a
	// missing slot in the ring is harmless.
	os.Remove(backupName(path, backupRing))
	for i := backupRing - 1; i >= 1; i-- {
		os.Rename(backupName(path, i), backupName(path, i+1))
	}
	copyFile(path, backupName(path, 1))
}

func backupName(path string, i int) string {
	return fmt.Sprintf("%s.bak.%d", path, i)
}

func copyFile(src, dst string) {
	bs, err := os.ReadFile(src)
	if err != nil {
		return
	}
	_ = os.WriteFile(dst, bs, 0o600)
}
