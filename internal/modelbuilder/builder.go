// Package modelbuilder folds the six controller inputs (remote scan,
// local scan, active scan, downloader status, extractor status and the
// persisted downloaded/extracted sets) into a fresh set of model
// files. State derivation is a pure function of those inputs.
package modelbuilder

import (
	"sort"
	"strings"
	"time"

	"github.com/rccypher/rapidcopy/internal/downloader"
	"github.com/rccypher/rapidcopy/internal/extractor"
	"github.com/rccypher/rapidcopy/internal/model"
)

var archiveSuffixes = []string{".rar", ".zip", ".7z", ".tar", ".tar.gz", ".tgz"}

// Builder accumulates the latest value of each input. Set methods mark
// the builder dirty; Build clears the mark. Not safe for concurrent
// use; only the controller tick touches it.
type Builder struct {
	remote  []model.SystemFile
	local   []model.SystemFile
	active  []model.SystemFile
	jobs    []downloader.Status
	extract []extractor.Status

	downloaded map[string]bool
	extracted  map[string]bool

	haveRemote bool
	haveLocal  bool
	changed    bool
}

func New() *Builder {
	return &Builder{
		downloaded: map[string]bool{},
		extracted:  map[string]bool{},
	}
}

func (b *Builder) SetRemoteFiles(files []model.SystemFile) {
	b.remote = files
	b.haveRemote = true
	b.changed = true
}

func (b *Builder) SetLocalFiles(files []model.SystemFile) {
	b.local = files
	b.haveLocal = true
	b.changed = true
}

func (b *Builder) SetActiveFiles(files []model.SystemFile) {
	b.active = files
	b.changed = true
}

func (b *Builder) SetDownloaderStatuses(statuses []downloader.Status) {
	b.jobs = statuses
	b.changed = true
}

func (b *Builder) SetExtractStatuses(statuses []extractor.Status) {
	b.extract = statuses
	b.changed = true
}

// SetDownloadedFiles replaces the persisted downloaded-names set.
func (b *Builder) SetDownloadedFiles(names []string) {
	b.downloaded = toSet(names)
	b.changed = true
}

// SetExtractedFiles replaces the persisted extracted-names set.
func (b *Builder) SetExtractedFiles(names []string) {
	b.extracted = toSet(names)
	b.changed = true
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// HasChanges reports whether any input moved since the last Build.
func (b *Builder) HasChanges() bool { return b.changed }

// HasBothScans reports whether at least one remote and one local scan
// have arrived; before that the model would claim files are deleted
// simply because a scan is still pending.
func (b *Builder) HasBothScans() bool { return b.haveRemote && b.haveLocal }

// entry is the working record for one (pair, name) during a fold.
type entry struct {
	key    model.Key
	remote *model.SystemFile
	local  *model.SystemFile
	active *model.SystemFile
}

// Build folds the current inputs into new model files. Output order is
// remote-scan order, then local-only files, then downloaded-set
// leftovers sorted by name.
func (b *Builder) Build() []*model.ModelFile {
	b.changed = false

	entries := make(map[model.Key]*entry)
	var order []model.Key

	touch := func(key model.Key) *entry {
		if e, ok := entries[key]; ok {
			return e
		}
		e := &entry{key: key}
		entries[key] = e
		order = append(order, key)
		return e
	}

	for i := range b.remote {
		f := &b.remote[i]
		touch(model.Key{PairID: f.PairID, Name: f.Name}).remote = f
	}
	for i := range b.local {
		f := &b.local[i]
		touch(model.Key{PairID: f.PairID, Name: f.Name}).local = f
	}
	for i := range b.active {
		f := &b.active[i]
		key := model.Key{PairID: f.PairID, Name: f.Name}
		if e, ok := entries[key]; ok {
			e.active = f
		}
	}

	// Known-downloaded names absent from both scans still get an
	// entry; they derive to DELETED below.
	var leftovers []string
	for name := range b.downloaded {
		if !b.nameKnown(entries, name) {
			leftovers = append(leftovers, name)
		}
	}
	sort.Strings(leftovers)
	for _, name := range leftovers {
		touch(model.Key{Name: name})
	}

	out := make([]*model.ModelFile, 0, len(order))
	for _, key := range order {
		out = append(out, b.buildFile(entries[key]))
	}
	return out
}

func (b *Builder) nameKnown(entries map[model.Key]*entry, name string) bool {
	for key := range entries {
		if key.Name == name {
			return true
		}
	}
	return false
}

func (b *Builder) buildFile(e *entry) *model.ModelFile {
	f := &model.ModelFile{
		Name:            e.key.Name,
		PairID:          e.key.PairID,
		UpdateTimestamp: time.Now(),
	}

	if e.remote != nil {
		f.IsDir = e.remote.IsDir
		f.RemoteSize = e.remote.Size
		f.RemoteCreated = e.remote.TimeCreated
		f.RemoteModified = e.remote.TimeModified
		f.PairName = e.remote.PairName
	}
	local := e.local
	if e.active != nil {
		// The active scan is fresher than the periodic local scan for
		// in-flight files.
		local = e.active
	}
	if local != nil {
		f.IsDir = f.IsDir || local.IsDir
		f.LocalSize = local.Size
		f.LocalCreated = local.TimeCreated
		f.LocalModified = local.TimeModified
		if f.PairName == "" {
			f.PairName = local.PairName
		}
	}

	f.IsExtractable = extractable(e.remote) || extractable(local)
	f.Children = mergeChildren(e.remote, local)
	f.State = b.deriveState(f, e, local != nil)

	if job := b.findJob(e.key); job != nil && job.State == downloader.JobRunning {
		f.TransferredSize = job.DownloadedSize
		f.DownloadingSpeed = job.SpeedBPS
		f.ETA = job.ETA
	}
	return f
}

// deriveState is the state function of the tuple (remote_present,
// local_present, downloader_status, extractor_status,
// in_downloaded_set, in_extracted_set).
func (b *Builder) deriveState(f *model.ModelFile, e *entry, localPresent bool) model.State {
	if job := b.findJob(e.key); job != nil {
		switch job.State {
		case downloader.JobRunning:
			return model.Downloading
		case downloader.JobQueued:
			return model.Queued
		case downloader.JobFinished:
			// The engine is done with the job; this is where a file
			// first becomes DOWNLOADED, before the persisted set
			// takes over on later rebuilds.
			return model.Downloaded
		}
	}
	for _, s := range b.extract {
		if s.Name == e.key.Name && (s.PairID == "" || s.PairID == e.key.PairID) && s.State == extractor.Extracting {
			return model.Extracting
		}
	}
	if b.extracted[e.key.Name] && localPresent {
		return model.Extracted
	}
	if b.downloaded[e.key.Name] {
		if localPresent && f.LocalSize == f.RemoteSize {
			return model.Downloaded
		}
		if !localPresent {
			return model.Deleted
		}
	}
	return model.Default
}

func (b *Builder) findJob(key model.Key) *downloader.Status {
	for i := range b.jobs {
		j := &b.jobs[i]
		if j.Name != key.Name {
			continue
		}
		if j.PairID == "" || key.PairID == "" || j.PairID == key.PairID {
			return j
		}
	}
	return nil
}

func extractable(f *model.SystemFile) bool {
	if f == nil {
		return false
	}
	if !f.IsDir {
		return isArchiveName(f.Name)
	}
	for _, c := range f.Children {
		if !c.IsDir && isArchiveName(c.Name) {
			return true
		}
	}
	return false
}

func isArchiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// mergeChildren builds the directory breakdown from whichever scans
// saw it, keyed by child name. Children carry sizes only; per-child
// lifecycle state is not derived.
func mergeChildren(remote, local *model.SystemFile) []model.ModelFile {
	if remote == nil && local == nil {
		return nil
	}
	type pair struct {
		remote *model.SystemFile
		local  *model.SystemFile
	}
	merged := make(map[string]*pair)
	var order []string
	add := func(f *model.SystemFile, isRemote bool) {
		for i := range f.Children {
			c := &f.Children[i]
			p, ok := merged[c.Name]
			if !ok {
				p = &pair{}
				merged[c.Name] = p
				order = append(order, c.Name)
			}
			if isRemote {
				p.remote = c
			} else {
				p.local = c
			}
		}
	}
	if remote != nil && remote.IsDir {
		add(remote, true)
	}
	if local != nil && local.IsDir {
		add(local, false)
	}
	sort.Strings(order)

	var out []model.ModelFile
	for _, name := range order {
		p := merged[name]
		c := model.ModelFile{Name: name}
		if p.remote != nil {
			c.IsDir = p.remote.IsDir
			c.RemoteSize = p.remote.Size
		}
		if p.local != nil {
			c.IsDir = c.IsDir || p.local.IsDir
			c.LocalSize = p.local.Size
		}
		c.Children = mergeChildren(p.remote, p.local)
		out = append(out, c)
	}
	return out
}
