package history

// undoStore keeps closed undoable entries in the order they closed.
// entries[:index] can be undone, newest last; entries[index:] can be
// redone, next first.
type undoStore struct {
	entries  []*entry
	index    int
	maxDepth int
}

// push adds a newly closed entry, discarding the redo tail. It returns the
// entries that dropped out of the store.
func (u *undoStore) push(e *entry) []*entry {
	dropped := append([]*entry(nil), u.entries[u.index:]...)
	u.entries = append(u.entries[:u.index], e)
	u.index++
	if u.maxDepth > 0 && u.index > u.maxDepth {
		n := u.index - u.maxDepth
		dropped = append(dropped, u.entries[:n]...)
		u.entries = append([]*entry(nil), u.entries[n:]...)
		u.index -= n
	}
	return dropped
}

func (u *undoStore) popUndo() *entry {
	if u.index == 0 {
		return nil
	}
	u.index--
	return u.entries[u.index]
}

func (u *undoStore) popRedo() *entry {
	if u.index == len(u.entries) {
		return nil
	}
	e := u.entries[u.index]
	u.index++
	return e
}

// restoreUndo undoes a popUndo of e, unless the redo tail has been
// replaced by a newer action in the meantime.
func (u *undoStore) restoreUndo(e *entry) {
	if u.index < len(u.entries) && u.entries[u.index] == e {
		u.index++
	}
}

// restoreRedo undoes a popRedo of e.
func (u *undoStore) restoreRedo(e *entry) {
	if u.index > 0 && u.entries[u.index-1] == e {
		u.index--
	}
}

func (u *undoStore) contains(e *entry) bool {
	for _, x := range u.entries {
		if x == e {
			return true
		}
	}
	return false
}

// undoable returns the undo stack, most recent first.
func (u *undoStore) undoable() []*entry {
	out := make([]*entry, 0, u.index)
	for i := u.index - 1; i >= 0; i-- {
		out = append(out, u.entries[i])
	}
	return out
}

// redoable returns the redo stack, next to redo first.
func (u *undoStore) redoable() []*entry {
	return append([]*entry(nil), u.entries[u.index:]...)
}
