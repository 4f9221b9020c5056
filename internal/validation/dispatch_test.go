package validation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rccypher/rapidcopy/internal/chunk"
	"github.com/rccypher/rapidcopy/internal/config"
)

const MiB = 1024 * 1024

// fakeLocal serves scripted digests per chunk offset. Offsets in bad
// return a mismatching digest until removed.
type fakeLocal struct {
	bad      map[int64]bool
	failing  map[int64]bool
	fileHash string
	fileErr  error
}

func (f *fakeLocal) File(string) (string, error) {
	return f.fileHash, f.fileErr
}

func (f *fakeLocal) Chunk(_ string, offset, size int64) (string, error) {
	if f.failing[offset] {
		return "", errors.New("read failed")
	}
	if f.bad[offset] {
		return "locally-different", nil
	}
	return fmt.Sprintf("digest-%d", offset), nil
}

// fakeRemote serves digest-<offset> per chunk, or scripted failures.
type fakeRemote struct {
	batchErr error
	fileHash string
	fileErr  error
	calls    int
}

func (f *fakeRemote) File(context.Context, string) (string, error) {
	return f.fileHash, f.fileErr
}

func (f *fakeRemote) ChunkChecksums(_ context.Context, _ string, chunks []chunk.Info) ([]string, error) {
	f.calls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = fmt.Sprintf("digest-%d", c.Offset)
	}
	return out, nil
}

func testValidationConfig() config.Validation {
	return config.Validation{
		Enabled:              true,
		Algorithm:            "sha256",
		DefaultChunkSize:     1 * MiB,
		MinChunkSize:         1 * MiB,
		MaxChunkSize:         100 * MiB,
		MaxRetries:           3,
		EnableAdaptiveSizing: false,
		SettleDelaySecs:      0,
	}
}

func newTestDispatch(cfg config.Validation, local *fakeLocal, remote *fakeRemote) *Dispatch {
	d := NewDispatch(cfg, "/local", "/remote", local, remote)
	return d
}

// run ticks until a completion arrives or the step budget runs out.
func run(t *testing.T, d *Dispatch, maxTicks int) *Completed {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if result := d.Tick(context.Background()); result != nil {
			return result
		}
	}
	return nil
}

func TestHappyPathSingleFile(t *testing.T) {
	d := newTestDispatch(testValidationConfig(), &fakeLocal{}, &fakeRemote{})
	defer d.Close()
	d.Enqueue(Command{Name: "movie.mkv", LocalPath: "movie.mkv", RemotePath: "movie.mkv", Size: 1048576})

	result := run(t, d, 10)
	if result == nil {
		t.Fatal("no completion")
	}
	if !result.IsValid || len(result.CorruptChunks) != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Name != "movie.mkv" || result.FilePath != "/local/movie.mkv" {
		t.Errorf("identity: %+v", result)
	}
	if len(d.PopRedownloads()) != 0 {
		t.Error("unexpected redownloads")
	}
	if d.QueueDepth() != 0 {
		t.Error("queue not drained")
	}
}

func TestCorruptChunkRepaired(t *testing.T) {
	// Three 1 MiB chunks; chunk 1 mismatches until redownloaded.
	local := &fakeLocal{bad: map[int64]bool{1048576: true}}
	d := newTestDispatch(testValidationConfig(), local, &fakeRemote{})
	defer d.Close()
	d.Enqueue(Command{Name: "big.bin", LocalPath: "big.bin", RemotePath: "big.bin", Size: 3145728})

	// Hash all three chunks and reach the repair step.
	for i := 0; i < 10; i++ {
		if result := d.Tick(context.Background()); result != nil {
			t.Fatalf("premature completion: %+v", result)
		}
		if reds := d.PopRedownloads(); len(reds) > 0 {
			if len(reds) != 1 {
				t.Fatalf("redownloads = %+v", reds)
			}
			r := reds[0]
			if r.ChunkIndex != 1 || r.Offset != 1048576 || r.Size != 1048576 {
				t.Fatalf("redownload = %+v", r)
			}
			if r.LocalPath != "/local/big.bin" || r.RemotePath != "/remote/big.bin" {
				t.Fatalf("redownload paths: %+v", r)
			}
			// Repair lands; the local copy now matches.
			delete(local.bad, 1048576)
			d.Resume("big.bin", 1)

			result := run(t, d, 10)
			if result == nil {
				t.Fatal("no completion after resume")
			}
			if !result.IsValid || len(result.CorruptChunks) != 0 {
				t.Errorf("result = %+v", result)
			}
			return
		}
	}
	t.Fatal("no redownload requested")
}

func TestPermanentCorruption(t *testing.T) {
	local := &fakeLocal{bad: map[int64]bool{1048576: true}}
	d := newTestDispatch(testValidationConfig(), local, &fakeRemote{})
	defer d.Close()
	d.Enqueue(Command{Name: "big.bin", LocalPath: "big.bin", RemotePath: "big.bin", Size: 3145728})

	redownloads := 0
	var result *Completed
	for i := 0; i < 100 && result == nil; i++ {
		result = d.Tick(context.Background())
		for _, r := range d.PopRedownloads() {
			redownloads++
			// The re-fetched bytes are still corrupt.
			d.Resume("big.bin", r.ChunkIndex)
		}
	}
	if result == nil {
		t.Fatal("no completion")
	}
	if result.IsValid {
		t.Error("expected invalid completion")
	}
	if len(result.CorruptChunks) != 1 || result.CorruptChunks[0] != 1 {
		t.Errorf("corrupt chunks = %v", result.CorruptChunks)
	}
	if redownloads != 3 {
		t.Errorf("redownload count = %d, want max_retries=3", redownloads)
	}
}

func TestFallbackToWholeFileValid(t *testing.T) {
	local := &fakeLocal{fileHash: "whole-file-digest"}
	remote := &fakeRemote{batchErr: errors.New("argument list too long"), fileHash: "whole-file-digest"}
	d := newTestDispatch(testValidationConfig(), local, remote)
	defer d.Close()
	d.Enqueue(Command{Name: "f.bin", LocalPath: "f.bin", RemotePath: "f.bin", Size: 2097152})

	result := run(t, d, 10)
	if result == nil || !result.IsValid {
		t.Fatalf("result = %+v", result)
	}
	// Once fallback fires there is no second attempt at chunk hashing.
	if remote.calls != 1 {
		t.Errorf("batch attempts = %d, want 1", remote.calls)
	}
}

func TestFallbackMismatchInvalid(t *testing.T) {
	local := &fakeLocal{fileHash: "local-digest"}
	remote := &fakeRemote{batchErr: errors.New("nope"), fileHash: "remote-digest"}
	d := newTestDispatch(testValidationConfig(), local, remote)
	defer d.Close()
	d.Enqueue(Command{Name: "f.bin", LocalPath: "f.bin", RemotePath: "f.bin", Size: 2097152})

	result := run(t, d, 10)
	if result == nil || result.IsValid {
		t.Fatalf("result = %+v", result)
	}
	if len(result.CorruptChunks) != 0 {
		t.Errorf("corrupt chunks = %v", result.CorruptChunks)
	}
}

func TestBothRemotePathsFailInvalid(t *testing.T) {
	remote := &fakeRemote{batchErr: errors.New("down"), fileErr: errors.New("still down")}
	d := newTestDispatch(testValidationConfig(), &fakeLocal{}, remote)
	defer d.Close()
	d.Enqueue(Command{Name: "f.bin", LocalPath: "f.bin", RemotePath: "f.bin", Size: 2097152})

	result := run(t, d, 10)
	if result == nil || result.IsValid {
		t.Fatalf("result = %+v", result)
	}
}

func TestLocalReadFailureOnFallbackInvalid(t *testing.T) {
	local := &fakeLocal{fileErr: errors.New("io error")}
	remote := &fakeRemote{batchErr: errors.New("nope"), fileHash: "remote-digest"}
	d := newTestDispatch(testValidationConfig(), local, remote)
	defer d.Close()
	d.Enqueue(Command{Name: "f.bin", LocalPath: "f.bin", RemotePath: "f.bin", Size: 2097152})

	result := run(t, d, 10)
	if result == nil || result.IsValid {
		t.Fatalf("result = %+v", result)
	}
}

func TestUnreadableChunkBecomesCorruptAndRepairs(t *testing.T) {
	local := &fakeLocal{failing: map[int64]bool{0: true}}
	d := newTestDispatch(testValidationConfig(), local, &fakeRemote{})
	defer d.Close()
	d.Enqueue(Command{Name: "f.bin", LocalPath: "f.bin", RemotePath: "f.bin", Size: 2097152})

	for i := 0; i < 20; i++ {
		if result := d.Tick(context.Background()); result != nil {
			t.Fatalf("premature completion: %+v", result)
		}
		if reds := d.PopRedownloads(); len(reds) > 0 {
			if reds[0].ChunkIndex != 0 {
				t.Fatalf("redownload = %+v", reds[0])
			}
			delete(local.failing, 0)
			d.Resume("f.bin", 0)
			result := run(t, d, 10)
			if result == nil || !result.IsValid {
				t.Fatalf("result = %+v", result)
			}
			return
		}
	}
	t.Fatal("no redownload for unreadable chunk")
}

func TestInlineWaitsForBytes(t *testing.T) {
	d := newTestDispatch(testValidationConfig(), &fakeLocal{}, &fakeRemote{})
	defer d.Close()
	d.Enqueue(Command{Name: "f.bin", LocalPath: "f.bin", RemotePath: "f.bin", Size: 3145728, Inline: true})

	// No bytes on disk yet: ticks make no progress past remote digest
	// fetch.
	for i := 0; i < 10; i++ {
		if result := d.Tick(context.Background()); result != nil {
			t.Fatalf("completed with no bytes on disk: %+v", result)
		}
	}
	status := d.Status()
	if fi := status["f.bin"]; fi == nil || fi.ValidatedChunks() != 0 {
		t.Fatalf("status = %+v", status)
	}

	// First two chunks land.
	d.UpdateLocalSize("f.bin", 2097152)
	for i := 0; i < 10; i++ {
		d.Tick(context.Background())
	}
	if fi := d.Status()["f.bin"]; fi == nil || fi.ValidatedChunks() != 2 {
		t.Fatalf("validated = %+v", fi)
	}

	// Download finishes.
	d.UpdateLocalSize("f.bin", 3145728)
	result := run(t, d, 10)
	if result == nil || !result.IsValid {
		t.Fatalf("result = %+v", result)
	}
}

func TestSettleDelayAppliesOnlyToNonInline(t *testing.T) {
	cfg := testValidationConfig()
	cfg.SettleDelaySecs = 10

	clock := time.Unix(1000, 0)
	d := newTestDispatch(cfg, &fakeLocal{}, &fakeRemote{})
	defer d.Close()
	d.now = func() time.Time { return clock }

	d.Enqueue(Command{Name: "f.bin", LocalPath: "f.bin", RemotePath: "f.bin", Size: 1048576})
	for i := 0; i < 5; i++ {
		if result := d.Tick(context.Background()); result != nil {
			t.Fatal("completed during settle delay")
		}
	}
	if len(d.Status()) != 0 {
		t.Error("file active during settle delay")
	}

	// The delay elapses; validation proceeds.
	clock = clock.Add(11 * time.Second)
	result := run(t, d, 10)
	if result == nil || !result.IsValid {
		t.Fatalf("result = %+v", result)
	}

	// An inline run starts without any delay.
	d.Enqueue(Command{Name: "g.bin", LocalPath: "g.bin", RemotePath: "g.bin", Size: 1048576, Inline: true})
	d.UpdateLocalSize("g.bin", 1048576)
	result = run(t, d, 10)
	if result == nil || !result.IsValid {
		t.Fatalf("inline result = %+v", result)
	}
}

func TestOneCompletionPerCommand(t *testing.T) {
	d := newTestDispatch(testValidationConfig(), &fakeLocal{}, &fakeRemote{})
	defer d.Close()
	d.Enqueue(Command{Name: "a.bin", LocalPath: "a.bin", RemotePath: "a.bin", Size: 1048576})
	d.Enqueue(Command{Name: "b.bin", LocalPath: "b.bin", RemotePath: "b.bin", Size: 1048576})

	var names []string
	for i := 0; i < 50 && len(names) < 3; i++ {
		if result := d.Tick(context.Background()); result != nil {
			names = append(names, result.Name)
		}
	}
	if len(names) != 2 || names[0] != "a.bin" || names[1] != "b.bin" {
		t.Errorf("completions = %v", names)
	}
}
