package checksum

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const readBufferSize = 128 * 1024

// Local computes digests by streaming the file through the configured
// hasher in fixed-size buffers.
type Local struct {
	algorithm Algorithm
}

func NewLocal(algorithm Algorithm) *Local {
	return &Local{algorithm: algorithm}
}

// File hashes the entire file.
func (l *Local) File(path string) (string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChecksum, err)
	}
	defer fd.Close()

	h, err := l.algorithm.New()
	if err != nil {
		return "", err
	}
	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, fd, buf); err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", ErrChecksum, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Chunk hashes exactly size bytes at offset. A short file is an error:
// the caller asked for bytes that are not there.
func (l *Local) Chunk(path string, offset, size int64) (string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChecksum, err)
	}
	defer fd.Close()

	if _, err := fd.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: seeking %s: %w", ErrChecksum, path, err)
	}

	h, err := l.algorithm.New()
	if err != nil {
		return "", err
	}
	buf := make([]byte, readBufferSize)
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(fd, buf[:n])
		if err != nil {
			return "", fmt.Errorf("%w: short read of %s at %d: %w", ErrChecksum, path, offset+size-remaining, err)
		}
		h.Write(buf[:read])
		remaining -= int64(read)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
