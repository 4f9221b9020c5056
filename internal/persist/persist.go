// Package persist implements RapidCopy's persisted state files. Each
// file is written atomically (write to temp, rename over) with a ring
// of rolling backups, so a crash mid-write can never leave a corrupt
// or half-written state file as the only copy.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rccypher/rapidcopy/internal/model"
)

var ErrPersist = errors.New("persist: bad state file")

// ControllerState is the contents of controller.persist: the sets the
// model builder treats as authoritative signals for state derivation,
// plus validation bookkeeping.
type ControllerState struct {
	Downloaded            []string       `json:"downloaded"`
	Extracted             []string       `json:"extracted"`
	ValidationRetryCounts map[string]int `json:"validation_retry_counts"`
	Validated             []string       `json:"validated"`
}

// NewControllerState returns an empty state with allocated containers.
func NewControllerState() *ControllerState {
	return &ControllerState{
		Downloaded:            []string{},
		Extracted:             []string{},
		ValidationRetryCounts: map[string]int{},
		Validated:             []string{},
	}
}

// LoadControllerState reads controller.persist. A missing file is not
// an error; it returns a fresh empty state.
func LoadControllerState(path string) (*ControllerState, error) {
	bs, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewControllerState(), nil
	}
	if err != nil {
		return nil, err
	}
	st := NewControllerState()
	if err := json.Unmarshal(bs, st); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPersist, path, err)
	}
	if st.ValidationRetryCounts == nil {
		st.ValidationRetryCounts = map[string]int{}
	}
	return st, nil
}

// Save writes the state atomically with backup rotation. Name lists are
// sorted so repeated saves of the same logical state are byte-identical.
func (s *ControllerState) Save(path string) error {
	cp := *s
	cp.Downloaded = sortedCopy(s.Downloaded)
	cp.Extracted = sortedCopy(s.Extracted)
	cp.Validated = sortedCopy(s.Validated)
	bs, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return err
	}
	return SaveFile(path, bs, 0o600)
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

// PathPairStore is the contents of path_pairs.json. The version counter
// moves on every Save. The daemon reads the pairs once at startup; a
// later version change is not picked up while it runs.
type PathPairStore struct {
	Version   int              `json:"version"`
	PathPairs []model.PathPair `json:"path_pairs"`
}

// LoadPathPairs reads path_pairs.json; a missing file yields an empty
// store at version zero.
func LoadPathPairs(path string) (*PathPairStore, error) {
	bs, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &PathPairStore{PathPairs: []model.PathPair{}}, nil
	}
	if err != nil {
		return nil, err
	}
	st := &PathPairStore{}
	if err := json.Unmarshal(bs, st); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPersist, path, err)
	}
	return st, nil
}

// Save bumps the version and writes the store atomically.
func (s *PathPairStore) Save(path string) error {
	s.Version++
	bs, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return SaveFile(path, bs, 0o600)
}

// Pair returns the pair with the given id, if present.
func (s *PathPairStore) Pair(id string) (model.PathPair, bool) {
	for _, p := range s.PathPairs {
		if p.ID == id {
			return p, true
		}
	}
	return model.PathPair{}, false
}

// CopyOpaque copies an opaque collaborator-owned state file (e.g.
// network_mounts.json) through the same atomic-write path without
// interpreting its contents.
func CopyOpaque(path string, content []byte) error {
	return SaveFile(path, content, 0o600)
}
