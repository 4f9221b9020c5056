// Package validation verifies downloaded files against the remote by
// chunked checksum comparison, requesting byte-range redownloads for
// corrupt chunks. One file is validated at a time; each Tick advances
// the active file by one step so the hosting worker stays responsive.
package validation

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/rccypher/rapidcopy/internal/checksum"
	"github.com/rccypher/rapidcopy/internal/chunk"
	"github.com/rccypher/rapidcopy/internal/config"
	"github.com/rccypher/rapidcopy/internal/logging"
	"github.com/rccypher/rapidcopy/internal/sizer"
)

// Command asks for one file to be validated. Paths are relative to the
// configured base paths. Inline mode validates chunks while the file
// is still downloading, driven by UpdateLocalSize.
type Command struct {
	Name       string
	LocalPath  string
	RemotePath string
	Size       int64
	Inline     bool
}

// Completed is the single completion record per validated file.
type Completed struct {
	Name          string
	FilePath      string
	IsValid       bool
	CorruptChunks []int
}

// Redownload asks the controller to re-fetch exactly one chunk's byte
// range and call Resume once the bytes are on disk.
type Redownload struct {
	LocalPath  string
	RemotePath string
	ChunkIndex int
	Offset     int64
	Size       int64
}

// EndOffset is the exclusive end of the requested range.
func (r Redownload) EndOffset() int64 { return r.Offset + r.Size }

// localHasher and remoteHasher are the checksum provider surfaces the
// dispatch needs; checksum.Local and checksum.Remote implement them.
type localHasher interface {
	File(path string) (string, error)
	Chunk(path string, offset, size int64) (string, error)
}

type remoteHasher interface {
	File(ctx context.Context, path string) (string, error)
	ChunkChecksums(ctx context.Context, path string, chunks []chunk.Info) ([]string, error)
}

// Dispatch is the single-file-at-a-time validation state machine.
// Not safe for concurrent use; the worker serializes access.
type Dispatch struct {
	cfg        config.Validation
	localBase  string
	remoteBase string

	local   localHasher
	remote  remoteHasher
	manager *chunk.Manager
	tracker *sizer.Tracker
	log     *slog.Logger

	now func() time.Time

	pending []Command

	// Active-file state. activating holds a popped command waiting out
	// its settle delay; active is the manager key of the file being
	// worked.
	activating  *Command
	settleUntil time.Time

	active       string
	activeCmd    Command
	activeRemote string
	fellBack     bool

	inlineSizes map[string]int64
	redownloads []Redownload
}

func NewDispatch(cfg config.Validation, localBase, remoteBase string, local localHasher, remote remoteHasher) *Dispatch {
	return &Dispatch{
		cfg:        cfg,
		localBase:  localBase,
		remoteBase: remoteBase,
		local:      local,
		remote:     remote,
		manager: chunk.NewManager(chunk.Config{
			Algorithm:    cfg.Algorithm,
			MinChunkSize: cfg.MinChunkSize,
			MaxChunkSize: cfg.MaxChunkSize,
			MaxRetries:   cfg.MaxRetries,
		}),
		tracker:     sizer.NewTracker(),
		log:         logging.For("validation"),
		now:         time.Now,
		inlineSizes: make(map[string]int64),
	}
}

func (d *Dispatch) sizerConfig() sizer.Config {
	return sizer.Config{
		DefaultChunkSize:     d.cfg.DefaultChunkSize,
		MinChunkSize:         d.cfg.MinChunkSize,
		MaxChunkSize:         d.cfg.MaxChunkSize,
		EnableAdaptiveSizing: d.cfg.EnableAdaptiveSizing,
	}
}

// Enqueue queues a file for validation.
func (d *Dispatch) Enqueue(cmd Command) {
	if cmd.Inline {
		d.inlineSizes[filepath.Join(d.localBase, cmd.LocalPath)] = 0
	}
	d.pending = append(d.pending, cmd)
}

// UpdateLocalSize reports the bytes currently on disk for an
// inline-validated file.
func (d *Dispatch) UpdateLocalSize(localPath string, size int64) {
	abs := filepath.Join(d.localBase, localPath)
	if _, ok := d.inlineSizes[abs]; ok {
		d.inlineSizes[abs] = size
	}
}

// Resume resets a chunk to pending after its redownload landed; the
// next ticks re-hash it.
func (d *Dispatch) Resume(localPath string, index int) {
	abs := filepath.Join(d.localBase, localPath)
	if err := d.manager.ResetChunk(abs, index); err != nil {
		d.log.Warn("resume for untracked chunk", "path", localPath, "index", index)
	}
}

// PopRedownloads returns and clears the pending redownload requests.
func (d *Dispatch) PopRedownloads() []Redownload {
	out := d.redownloads
	d.redownloads = nil
	return out
}

// Status snapshots the in-progress files, keyed by name.
func (d *Dispatch) Status() map[string]*chunk.FileInfo {
	out := make(map[string]*chunk.FileInfo)
	if d.active != "" {
		if fi := d.manager.Get(d.active); fi != nil && !fi.IsComplete {
			out[d.activeCmd.Name] = fi.Clone()
		}
	}
	return out
}

// QueueDepth reports pending plus active file count.
func (d *Dispatch) QueueDepth() int {
	n := len(d.pending)
	if d.active != "" || d.activating != nil {
		n++
	}
	return n
}

// Tick advances validation by one step and returns a completion record
// when the active file finishes.
func (d *Dispatch) Tick(ctx context.Context) *Completed {
	if d.active == "" {
		if d.activating == nil && len(d.pending) > 0 {
			cmd := d.pending[0]
			d.pending = d.pending[1:]
			d.activating = &cmd
			d.settleUntil = d.now()
			if !cmd.Inline && d.cfg.SettleDelaySecs > 0 {
				// Give the page cache time to flush the downloader's
				// writes; hashing too early reads stale pages and
				// reports phantom corruption. Inline runs hash behind
				// the write head on purpose and skip the delay.
				d.settleUntil = d.settleUntil.Add(time.Duration(d.cfg.SettleDelaySecs) * time.Second)
			}
		}
		if d.activating == nil {
			return nil
		}
		if d.now().Before(d.settleUntil) {
			return nil
		}
		cmd := *d.activating
		d.activating = nil
		return d.start(ctx, cmd)
	}
	return d.advance(ctx)
}

func (d *Dispatch) start(ctx context.Context, cmd Command) *Completed {
	localPath := filepath.Join(d.localBase, cmd.LocalPath)
	remotePath := path.Join(d.remoteBase, cmd.RemotePath)

	chunkSize := sizer.Calculate(d.sizerConfig(), cmd.Size, d.tracker.Snapshot())
	fi := d.manager.CreateChunks(localPath, cmd.Size, chunkSize)

	d.active = localPath
	d.activeCmd = cmd
	d.activeRemote = remotePath
	d.fellBack = false

	d.log.Info("validation started", "name", cmd.Name, "size", cmd.Size,
		"chunks", len(fi.Chunks), "chunk_size", chunkSize, "inline", cmd.Inline)

	digests, err := d.remote.ChunkChecksums(ctx, remotePath, fi.Chunks)
	if err != nil {
		d.log.Warn("batched remote digests failed, falling back to whole file", "name", cmd.Name, "error", err)
		full, ferr := d.remote.File(ctx, remotePath)
		if ferr != nil {
			d.log.Error("whole-file remote digest failed", "name", cmd.Name, "error", ferr)
			return d.complete(false, nil)
		}
		d.manager.SetFullFileChecksums(localPath, "", full)
		d.fellBack = true
		return d.advance(ctx)
	}
	for i, digest := range digests {
		d.manager.UpdateChecksum(localPath, i, "", digest)
	}
	return d.advance(ctx)
}

func (d *Dispatch) advance(ctx context.Context) *Completed {
	localPath := d.active
	fi := d.manager.Get(localPath)
	if fi == nil {
		d.active = ""
		return nil
	}

	// Whole-file fallback: one local hash decides the file. Once this
	// path fires there is no return to chunk-level hashing.
	if d.fellBack {
		local, err := d.local.File(localPath)
		if err != nil {
			d.log.Error("local whole-file hash failed", "path", localPath, "error", err)
			return d.complete(false, nil)
		}
		d.manager.SetFullFileChecksums(localPath, local, "")
		valid, _, _ := d.manager.ValidateFullFile(localPath)
		return d.complete(valid, nil)
	}

	ready := d.manager.PendingChunks(localPath)
	if d.activeCmd.Inline {
		known := d.inlineSizes[localPath]
		n := 0
		for _, c := range ready {
			if c.EndOffset() <= known {
				ready[n] = c
				n++
			}
		}
		ready = ready[:n]
	}

	if len(ready) > 0 {
		c := ready[0]
		local, err := d.local.Chunk(localPath, c.Offset, c.Size)
		if err != nil {
			// An unreadable range is treated like a mismatch: the
			// repair path re-fetches it.
			d.log.Warn("local chunk hash failed", "path", localPath, "index", c.Index, "error", err)
			d.manager.MarkCorrupt(localPath, c.Index)
			d.tracker.RecordChunkResult(false, c.Size)
			return nil
		}
		d.manager.UpdateChecksum(localPath, c.Index, local, "")
		valid, decided, _ := d.manager.ValidateChunk(localPath, c.Index)
		if decided {
			d.tracker.RecordChunkResult(valid, c.Size)
			if !valid {
				d.log.Warn("chunk mismatch", "path", localPath, "index", c.Index)
			}
		}
		return nil
	}

	// Nothing hashable right now. In inline mode chunks may simply be
	// waiting for the download to catch up.
	if d.activeCmd.Inline && len(d.manager.PendingChunks(localPath)) > 0 {
		return nil
	}

	corrupt := d.manager.CorruptChunks(localPath)
	if len(corrupt) > 0 {
		var retryable []chunk.Info
		for _, c := range corrupt {
			if d.manager.CanRetry(localPath, c.Index) {
				retryable = append(retryable, c)
			}
		}
		if len(retryable) == 0 {
			indices := fi.CorruptIndices()
			d.log.Error("validation failed, retries exhausted", "name", d.activeCmd.Name, "corrupt", indices)
			return d.complete(false, indices)
		}
		for _, c := range retryable {
			d.manager.MarkDownloading(localPath, c.Index)
			d.redownloads = append(d.redownloads, Redownload{
				LocalPath:  localPath,
				RemotePath: d.activeRemote,
				ChunkIndex: c.Index,
				Offset:     c.Offset,
				Size:       c.Size,
			})
			d.log.Info("requesting chunk redownload", "name", d.activeCmd.Name,
				"index", c.Index, "offset", c.Offset, "size", c.Size)
		}
		return nil
	}

	// Chunks may still be Downloading, waiting for a Resume.
	if fi.ValidatedChunks() != len(fi.Chunks) {
		return nil
	}

	return d.complete(true, nil)
}

func (d *Dispatch) complete(valid bool, corrupt []int) *Completed {
	localPath := d.active
	cmd := d.activeCmd

	d.manager.MarkComplete(localPath, valid)
	d.manager.Remove(localPath)
	delete(d.inlineSizes, localPath)
	d.active = ""
	d.activeRemote = ""
	d.fellBack = false

	d.log.Info("validation completed", "name", cmd.Name, "valid", valid, "corrupt", corrupt)
	return &Completed{
		Name:          cmd.Name,
		FilePath:      localPath,
		IsValid:       valid,
		CorruptChunks: corrupt,
	}
}

// Close releases the dispatch's statistics tracker.
func (d *Dispatch) Close() {
	d.tracker.Stop()
}

var _ localHasher = (*checksum.Local)(nil)
var _ remoteHasher = (*checksum.Remote)(nil)
