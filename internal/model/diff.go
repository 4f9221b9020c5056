package model

// Diff compares two snapshots keyed by (PairID, Name) and returns the
// sequence of changes needed to turn old into new: removals first (by
// old order), then additions and updates (by new order), matching the
// order the Model applies them in ReplaceAll. UPDATED is only reported
// when some field other than UpdateTimestamp differs.
func Diff(old, new []*ModelFile) []Change {
	oldByKey := make(map[Key]*ModelFile, len(old))
	for _, f := range old {
		oldByKey[Key{f.PairID, f.Name}] = f
	}
	newByKey := make(map[Key]*ModelFile, len(new))
	for _, f := range new {
		newByKey[Key{f.PairID, f.Name}] = f
	}

	var changes []Change
	for _, f := range old {
		key := Key{f.PairID, f.Name}
		if _, ok := newByKey[key]; !ok {
			changes = append(changes, Change{Type: Removed, Old: f})
		}
	}
	for _, f := range new {
		key := Key{f.PairID, f.Name}
		o, ok := oldByKey[key]
		if !ok {
			changes = append(changes, Change{Type: Added, New: f})
			continue
		}
		if !o.Equal(f) {
			changes = append(changes, Change{Type: Updated, Old: o, New: f})
		}
	}
	return changes
}

// ReplaceAll computes the diff between the Model's current contents and
// newFiles, then applies every change under a single lock acquisition so
// listeners observe the whole batch as one consistent sequence. It
// returns the applied changes.
func (m *Model) ReplaceAll(newFiles []*ModelFile) []Change {
	m.mut.Lock()

	old := make([]*ModelFile, 0, len(m.order))
	for _, k := range m.order {
		old = append(old, m.byKey[k])
	}
	changes := Diff(old, newFiles)

	for i := range changes {
		c := &changes[i]
		var key Key
		switch c.Type {
		case Removed:
			key = Key{c.Old.PairID, c.Old.Name}
			delete(m.byKey, key)
			for j, k := range m.order {
				if k == key {
					m.order = append(m.order[:j], m.order[j+1:]...)
					break
				}
			}
		case Added:
			key = Key{c.New.PairID, c.New.Name}
			cp := c.New.Clone()
			m.byKey[key] = cp
			m.order = append(m.order, key)
			c.New = cp
		case Updated:
			key = Key{c.New.PairID, c.New.Name}
			cp := c.New.Clone()
			m.byKey[key] = cp
			c.New = cp
		}
	}

	listeners := append([]Listener(nil), m.listeners...)
	m.mut.Unlock()

	for _, c := range changes {
		for _, l := range listeners {
			switch c.Type {
			case Added:
				l.FileAdded(c.New.Clone())
			case Updated:
				l.FileUpdated(c.Old.Clone(), c.New.Clone())
			case Removed:
				l.FileRemoved(c.Old.Clone())
			}
		}
	}
	return changes
}
