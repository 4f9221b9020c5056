package sysscan

import (
	"sync"

	"github.com/rccypher/rapidcopy/internal/model"
)

// ActiveFile names one file the downloader or extractor currently
// touches, routed to the pair whose local root it lives under.
type ActiveFile struct {
	Name   string
	PairID string
}

// ActiveScanner scans only the files currently in flight, producing
// fine-grained progress for them between full local scans. The
// controller pushes the active set each tick; pushes overwrite rather
// than accumulate, so the scanner always works from the latest set.
type ActiveScanner struct {
	mut     sync.Mutex
	walkers map[string]*Walker // pair id -> walker
	first   *Walker            // fallback for names with no pair id
	active  []ActiveFile
}

// NewActiveScanner builds an active scanner over per-pair walkers. The
// first walker doubles as the fallback for legacy single-pair names.
func NewActiveScanner(walkers []*Walker) *ActiveScanner {
	s := &ActiveScanner{walkers: make(map[string]*Walker)}
	for _, w := range walkers {
		if s.first == nil {
			s.first = w
		}
		s.walkers[w.PairID] = w
	}
	return s
}

// SetActiveFiles replaces the set of files to scan.
func (s *ActiveScanner) SetActiveFiles(files []ActiveFile) {
	s.mut.Lock()
	s.active = append([]ActiveFile(nil), files...)
	s.mut.Unlock()
}

// Scan stats each active file under its pair's root. Files that are
// missing on disk (not yet created, or just deleted) are omitted.
func (s *ActiveScanner) Scan() ([]model.SystemFile, error) {
	s.mut.Lock()
	active := append([]ActiveFile(nil), s.active...)
	s.mut.Unlock()

	var out []model.SystemFile
	for _, af := range active {
		w, ok := s.walkers[af.PairID]
		if !ok {
			w = s.first
		}
		if w == nil {
			continue
		}
		f, found, err := w.WalkEntry(af.Name)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, f)
		}
	}
	return out, nil
}
