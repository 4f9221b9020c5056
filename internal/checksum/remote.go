package checksum

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kballard/go-shellquote"

	"github.com/rccypher/rapidcopy/internal/chunk"
)

// maxChunksPerBatch bounds how many dd|hash commands are joined into
// one remote call, keeping the compound command comfortably under the
// OS argument-list limit.
const maxChunksPerBatch = 100

// ddBlockSize is used when a chunk is page-aligned; otherwise dd falls
// back to byte-precise bs=1.
const ddBlockSize = 4096

// remoteDigestCacheSize bounds the recent-digest cache.
const remoteDigestCacheSize = 4096

// Commander is the transport surface the remote provider needs.
type Commander interface {
	Shell(ctx context.Context, command string) ([]byte, error)
}

// Remote computes digests on the remote host over a single session,
// batching chunk commands. Identical (path, offset, size) digests
// within the cache window are served without a round trip.
type Remote struct {
	transport Commander
	algorithm Algorithm
	cache     *lru.Cache[string, string]
}

func NewRemote(transport Commander, algorithm Algorithm) *Remote {
	cache, _ := lru.New[string, string](remoteDigestCacheSize)
	return &Remote{transport: transport, algorithm: algorithm, cache: cache}
}

// File hashes an entire remote file.
func (r *Remote) File(ctx context.Context, path string) (string, error) {
	cmd, err := r.algorithm.RemoteCommand()
	if err != nil {
		return "", err
	}
	out, err := r.transport.Shell(ctx, cmd+" "+shellquote.Join(path))
	if err != nil {
		return "", fmt.Errorf("%w: remote file hash of %s: %w", ErrChecksum, path, err)
	}
	return parseDigestLine(string(out))
}

// Chunk hashes one byte range of a remote file.
func (r *Remote) Chunk(ctx context.Context, path string, offset, size int64) (string, error) {
	key := cacheKey(path, offset, size)
	if d, ok := r.cache.Get(key); ok {
		return d, nil
	}
	cmd, err := r.chunkCommand(path, offset, size)
	if err != nil {
		return "", err
	}
	out, err := r.transport.Shell(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("%w: remote chunk hash of %s at %d+%d: %w", ErrChecksum, path, offset, size, err)
	}
	digest, err := parseDigestLine(string(out))
	if err != nil {
		return "", err
	}
	r.cache.Add(key, digest)
	return digest, nil
}

// ChunkChecksums hashes every chunk of a remote file, batched into
// compound commands of at most maxChunksPerBatch each. The result is
// in chunk order. An output line count that does not match the request
// is a fatal parse error, never silently padded.
func (r *Remote) ChunkChecksums(ctx context.Context, path string, chunks []chunk.Info) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	digests := make([]string, 0, len(chunks))
	var misses []chunk.Info
	for _, c := range chunks {
		if d, ok := r.cache.Get(cacheKey(path, c.Offset, c.Size)); ok {
			digests = append(digests, d)
		} else {
			misses = append(misses, c)
			digests = append(digests, "")
		}
	}
	if len(misses) == 0 {
		return digests, nil
	}

	fetched := make([]string, 0, len(misses))
	for start := 0; start < len(misses); start += maxChunksPerBatch {
		end := start + maxChunksPerBatch
		if end > len(misses) {
			end = len(misses)
		}
		batch, err := r.chunkBatch(ctx, path, misses[start:end])
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, batch...)
	}

	// Fill fetched digests back into the ordered result.
	mi := 0
	for i := range digests {
		if digests[i] == "" {
			digests[i] = fetched[mi]
			mi++
		}
	}
	for i, c := range chunks {
		r.cache.Add(cacheKey(path, c.Offset, c.Size), digests[i])
	}
	return digests, nil
}

func (r *Remote) chunkBatch(ctx context.Context, path string, chunks []chunk.Info) ([]string, error) {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		cmd, err := r.chunkCommand(path, c.Offset, c.Size)
		if err != nil {
			return nil, err
		}
		parts = append(parts, cmd)
	}

	out, err := r.transport.Shell(ctx, strings.Join(parts, "; "))
	if err != nil {
		return nil, fmt.Errorf("%w: remote batch hash of %s: %w", ErrChecksum, path, err)
	}

	var digests []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			digests = append(digests, fields[0])
		}
	}
	if len(digests) != len(chunks) {
		return nil, fmt.Errorf("%w: expected %d digests, got %d", ErrChecksum, len(chunks), len(digests))
	}
	return digests, nil
}

// chunkCommand builds the dd|hash pipeline for one byte range: 4 KiB
// blocks when the range is page-aligned, byte-precise otherwise.
func (r *Remote) chunkCommand(path string, offset, size int64) (string, error) {
	hashCmd, err := r.algorithm.RemoteCommand()
	if err != nil {
		return "", err
	}
	quoted := shellquote.Join(path)
	if offset%ddBlockSize == 0 && size%ddBlockSize == 0 {
		return fmt.Sprintf("dd if=%s bs=%d skip=%d count=%d 2>/dev/null | %s",
			quoted, ddBlockSize, offset/ddBlockSize, size/ddBlockSize, hashCmd), nil
	}
	return fmt.Sprintf("dd if=%s bs=1 skip=%d count=%d 2>/dev/null | %s",
		quoted, offset, size, hashCmd), nil
}

// Available probes whether the remote hashing command exists.
func (r *Remote) Available(ctx context.Context) bool {
	cmd, err := r.algorithm.RemoteCommand()
	if err != nil {
		return false
	}
	name, _, _ := strings.Cut(cmd, " ")
	_, err = r.transport.Shell(ctx, "which "+name)
	return err == nil
}

func parseDigestLine(out string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty digest output", ErrChecksum)
	}
	return fields[0], nil
}

func cacheKey(path string, offset, size int64) string {
	return fmt.Sprintf("%s|%d|%d", path, offset, size)
}
