// Package selection maintains the set of selected node IDs and keeps it
// consistent with parent/child membership derived from path naming.
//
// A directory's children are exactly the currently-known nodes whose path
// is prefixed by the directory's path plus "/", a transitive relation by
// construction, so selecting a directory marks every materialized
// descendant at any depth, including ones whose fragments were cached by
// an earlier expansion but are not currently visible.
package selection

import (
	"sync"

	"github.com/canopyhq/canopy/pkg/models"
)

// Set is the selection membership set with its hierarchy index.
type Set struct {
	mu sync.Mutex

	// selected maps node ID to its insertion sequence, preserving the
	// order in which IDs were selected.
	selected map[string]int
	seq      int

	// children maps a directory ID to the IDs of all its known
	// descendants, rebuilt from the known-node list on every change.
	children map[string][]string
	isDir    map[string]bool
}

// New creates an empty selection set.
func New() *Set {
	return &Set{
		selected: make(map[string]int),
		children: make(map[string][]string),
		isDir:    make(map[string]bool),
	}
}

// Rebuild derives the children index from the given node list, typically
// every node with a cached fragment rather than only the visible rows.
// Membership itself is untouched: selection keyed by ID survives a rebuild.
func (s *Set) Rebuild(nodes []*models.Node) {
	children := make(map[string][]string)
	isDir := make(map[string]bool)

	for _, dir := range nodes {
		if !dir.IsDir {
			continue
		}
		isDir[dir.ID] = true
		for _, n := range nodes {
			if n.ID != dir.ID && n.IsDescendantOf(dir.Name) {
				children[dir.ID] = append(children[dir.ID], n.ID)
			}
		}
	}

	s.mu.Lock()
	s.children = children
	s.isDir = isDir
	s.mu.Unlock()
}

// Select marks or unmarks a node. Selecting a directory propagates to all
// known descendants via breadth-first traversal of the children index.
// There is no upward propagation: a child never changes its parent's
// membership.
func (s *Set) Select(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(id, on)
	if !s.isDir[id] {
		return
	}

	queue := append([]string(nil), s.children[id]...)
	visited := map[string]bool{id: true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		s.set(next, on)
		if s.isDir[next] {
			queue = append(queue, s.children[next]...)
		}
	}
}

// set marks a single ID without propagation. Caller holds the lock.
func (s *Set) set(id string, on bool) {
	if on {
		if _, ok := s.selected[id]; !ok {
			s.seq++
			s.selected[id] = s.seq
		}
		return
	}
	delete(s.selected, id)
}

// SelectAll replaces the membership with exactly the given IDs.
func (s *Set) SelectAll(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[string]int, len(ids))
	s.seq = 0
	for _, id := range ids {
		s.seq++
		s.selected[id] = s.seq
	}
}

// Clear empties the selection.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[string]int)
	s.seq = 0
}

// IsSelected reports membership for one ID.
func (s *Set) IsSelected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.selected[id]
	return ok
}

// Selected returns the member IDs in selection order.
func (s *Set) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	// Insertion order, not map order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && s.selected[ids[j]] < s.selected[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// Len returns the number of selected IDs.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selected)
}
