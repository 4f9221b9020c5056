// Package model holds the in-memory reconciled view of a mirrored tree:
// the scanned filesystem shape (SystemFile), the logical per-file state
// machine the controller drives (ModelFile), and the ordered, diffable,
// listener-observable container that holds them (Model).
package model

import (
	"reflect"
	"time"
)

// State is a ModelFile's position in the download/extract/validate
// lifecycle.
type State int

const (
	Default State = iota
	Queued
	Downloading
	Downloaded
	Deleted
	Extracting
	Extracted
	Validating
	Validated
	Corrupt
)

func (s State) String() string {
	switch s {
	case Default:
		return "DEFAULT"
	case Queued:
		return "QUEUED"
	case Downloading:
		return "DOWNLOADING"
	case Downloaded:
		return "DOWNLOADED"
	case Deleted:
		return "DELETED"
	case Extracting:
		return "EXTRACTING"
	case Extracted:
		return "EXTRACTED"
	case Validating:
		return "VALIDATING"
	case Validated:
		return "VALIDATED"
	case Corrupt:
		return "CORRUPT"
	default:
		return "UNKNOWN"
	}
}

// SystemFile is a node scanned directly off a filesystem (local or, via
// the remote scan protocol, the remote host). Directories carry a size
// equal to the sum of their immediate children and an ordered list of
// children; non-directories never have children.
type SystemFile struct {
	Name         string        `json:"name"`
	Size         int64         `json:"size"`
	IsDir        bool          `json:"is_dir"`
	TimeCreated  *time.Time    `json:"timestamp_created,omitempty"`
	TimeModified *time.Time    `json:"timestamp_modified,omitempty"`
	Children     []SystemFile  `json:"children,omitempty"`
	PairID       string        `json:"-"`
	PairName     string        `json:"-"`
}

// Validate checks the tree invariants: non-negative sizes,
// directory-only children, and a directory's size equal to the sum of
// its immediate children's sizes.
func (f SystemFile) Validate() error {
	if f.Size < 0 {
		return &InvariantError{Name: f.Name, Reason: "negative size"}
	}
	if !f.IsDir && len(f.Children) > 0 {
		return &InvariantError{Name: f.Name, Reason: "non-directory has children"}
	}
	if f.IsDir {
		var sum int64
		for _, c := range f.Children {
			if err := c.Validate(); err != nil {
				return err
			}
			sum += c.Size
		}
		if sum != f.Size {
			return &InvariantError{Name: f.Name, Reason: "directory size does not equal sum of children"}
		}
	}
	return nil
}

// InvariantError reports a violated SystemFile or ModelFile invariant.
type InvariantError struct {
	Name   string
	Reason string
}

func (e *InvariantError) Error() string {
	return "model: invariant violated for " + e.Name + ": " + e.Reason
}

// ValidationProgress is a tri-state [0,1]-or-unset progress value; the
// zero value means "not validating".
type ValidationProgress struct {
	Set   bool
	Value float64
}

// ModelFile is one reconciled entry in the Model: the logical file the
// controller and its collaborators agree exists, merging remote scan,
// local scan, downloader status, extractor status and validator status.
type ModelFile struct {
	Name             string
	IsDir            bool
	State            State
	RemoteSize       int64
	LocalSize        int64
	TransferredSize  int64
	DownloadingSpeed float64
	ETA              time.Duration

	IsExtractable bool

	LocalCreated   *time.Time
	LocalModified  *time.Time
	RemoteCreated  *time.Time
	RemoteModified *time.Time

	PairID   string
	PairName string

	ValidationProgress ValidationProgress
	ValidationError     string
	CorruptChunks       []int

	Children []ModelFile

	// UpdateTimestamp is advisory only and excluded from Equal.
	UpdateTimestamp time.Time
}

// Validate checks the ModelFile invariants.
func (f *ModelFile) Validate() error {
	if f.RemoteSize < 0 || f.LocalSize < 0 || f.TransferredSize < 0 {
		return &InvariantError{Name: f.Name, Reason: "negative size"}
	}
	if f.ValidationProgress.Set && (f.ValidationProgress.Value < 0 || f.ValidationProgress.Value > 1) {
		return &InvariantError{Name: f.Name, Reason: "validation progress out of [0,1]"}
	}
	if f.State == Corrupt && len(f.CorruptChunks) == 0 && f.ValidationError == "" {
		return &InvariantError{Name: f.Name, Reason: "corrupt state without corrupt chunks or error"}
	}
	if !f.IsDir && len(f.Children) > 0 {
		return &InvariantError{Name: f.Name, Reason: "non-directory has children"}
	}
	return nil
}

// Clone returns a deep copy, since every ModelFile returned to a caller
// must be independent of the Model's own storage.
func (f *ModelFile) Clone() *ModelFile {
	if f == nil {
		return nil
	}
	cp := *f
	cp.CorruptChunks = append([]int(nil), f.CorruptChunks...)
	if len(f.Children) > 0 {
		cp.Children = make([]ModelFile, len(f.Children))
		for i := range f.Children {
			cp.Children[i] = *f.Children[i].Clone()
		}
	}
	return &cp
}

// Equal compares two ModelFiles ignoring the advisory UpdateTimestamp.
func (f *ModelFile) Equal(other *ModelFile) bool {
	if f == nil || other == nil {
		return f == other
	}
	a, b := f.Clone(), other.Clone()
	a.UpdateTimestamp, b.UpdateTimestamp = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

// PathPair is a named remote/local root pair; ModelFile entries are
// namespaced by (PairID, Name) so the same file name in two pairs never
// collides.
type PathPair struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
	Enabled    bool   `json:"enabled"`
	AutoQueue  bool   `json:"auto_queue"`
}

// Key identifies a ModelFile within the Model's namespace.
type Key struct {
	PairID string
	Name   string
}
