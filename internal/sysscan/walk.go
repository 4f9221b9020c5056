// Package sysscan walks a local directory tree into model.SystemFile
// nodes. It understands the downloader's in-progress temp files: a
// sibling status file declares the eventual size of a file still being
// fetched, and the temp suffix is stripped so the entry appears under
// its final name.
package sysscan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/rccypher/rapidcopy/internal/model"
)

// StatusFileSuffix marks the byte-accounting sidecar the downloader
// writes next to an in-progress file.
const StatusFileSuffix = ".rapidcopy-part-status"

var ErrScan = errors.New("sysscan: scan error")

// Walker scans one root directory. The zero exclusion lists scan
// everything except status sidecars, which are always interpreted
// rather than listed.
type Walker struct {
	Root            string
	ExcludePrefixes []string
	ExcludeSuffixes []string

	// TempSuffix, when non-empty, is stripped from file names so an
	// in-progress download appears under its eventual name.
	TempSuffix string

	// PairID and PairName tag every scanned file for multi-pair merges.
	PairID   string
	PairName string
}

// Walk scans the root and returns its sorted entries. It fails with an
// ErrScan-wrapped error if the root does not exist or is not a
// directory. Entries that vanish between listing and stat are skipped.
func (w *Walker) Walk() ([]model.SystemFile, error) {
	info, err := os.Stat(w.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: path does not exist: %s", ErrScan, w.Root)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScan, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: path is not a directory: %s", ErrScan, w.Root)
	}
	return w.children(w.Root)
}

// WalkEntry scans a single named entry under the root, for active scans
// of in-flight files. A missing entry returns (nil, false, nil).
func (w *Walker) WalkEntry(name string) (model.SystemFile, bool, error) {
	path := filepath.Join(w.Root, name)
	entry, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		// The downloader may not have created it yet; check for the
		// in-progress temp name instead.
		if w.TempSuffix != "" {
			entry, err = os.Stat(path + w.TempSuffix)
			path += w.TempSuffix
		}
		if errors.Is(err, os.ErrNotExist) {
			return model.SystemFile{}, false, nil
		}
	}
	if err != nil {
		return model.SystemFile{}, false, fmt.Errorf("%w: %w", ErrScan, err)
	}
	f, err := w.entry(path, entry)
	if err != nil {
		return model.SystemFile{}, false, err
	}
	return f, true, nil
}

func (w *Walker) children(dir string) ([]model.SystemFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScan, err)
	}

	var files []model.SystemFile
	for _, entry := range entries {
		if w.excluded(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if errors.Is(err, os.ErrNotExist) {
			// Disappeared under us.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrScan, err)
		}
		f, err := w.entry(filepath.Join(dir, entry.Name()), info)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (w *Walker) entry(path string, info os.FileInfo) (model.SystemFile, error) {
	name := norm.NFC.String(info.Name())
	mtime := info.ModTime()
	f := model.SystemFile{
		Name:         name,
		TimeModified: &mtime,
		PairID:       w.PairID,
		PairName:     w.PairName,
	}

	if info.IsDir() {
		children, err := w.children(path)
		if err != nil {
			return model.SystemFile{}, err
		}
		f.IsDir = true
		f.Children = children
		for _, c := range children {
			f.Size += c.Size
		}
		return f, nil
	}

	f.Size = info.Size()

	// A sibling status file overrides the on-disk size with the
	// eventual size of the completed download.
	if bs, err := os.ReadFile(path + StatusFileSuffix); err == nil {
		f.Size = statusFileSize(string(bs))
	}

	if w.TempSuffix != "" && f.Name != w.TempSuffix && strings.HasSuffix(f.Name, w.TempSuffix) {
		f.Name = f.Name[:len(f.Name)-len(w.TempSuffix)]
	}
	return f, nil
}

func (w *Walker) excluded(name string) bool {
	for _, p := range w.ExcludePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range w.ExcludeSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return strings.HasSuffix(name, StatusFileSuffix)
}

var (
	sizePattern  = regexp.MustCompile(`^size=(\d+)$`)
	posPattern   = regexp.MustCompile(`^\d+\.pos=(\d+)$`)
	limitPattern = regexp.MustCompile(`^\d+\.limit=(\d+)$`)
)

// statusFileSize decodes the downloader's byte-accounting sidecar: a
// declared total size followed by (pos, limit) pairs for each unfinished
// range. The eventual size is the total minus the sum of unfinished
// bytes. Any malformed content yields zero, the same as an empty file.
func statusFileSize(status string) int64 {
	var lines []string
	for _, l := range strings.Split(status, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return 0
	}
	m := sizePattern.FindStringSubmatch(lines[0])
	if m == nil {
		return 0
	}
	total, _ := strconv.ParseInt(m[1], 10, 64)
	lines = lines[1:]

	var empty int64
	for len(lines) > 0 {
		if len(lines) < 2 {
			return 0
		}
		posM := posPattern.FindStringSubmatch(lines[0])
		limitM := limitPattern.FindStringSubmatch(lines[1])
		if posM == nil || limitM == nil {
			return 0
		}
		pos, _ := strconv.ParseInt(posM[1], 10, 64)
		limit, _ := strconv.ParseInt(limitM[1], 10, 64)
		empty += limit - pos
		lines = lines[2:]
	}
	return total - empty
}
