// Package treeview materializes the cached drive tree into a displayable
// node sequence.
//
// Build is a pure function of the root fragment, the fragment source, the
// expansion and loading sets, and the root status map. It never fetches:
// unfetched branches are simply not materialized. Flatten then turns the
// nested tree into a pre-order sequence so a table view can render
// hierarchy purely through indentation and row order.
package treeview

import "github.com/canopyhq/canopy/pkg/models"

// FragmentSource provides cached children fragments by parent ID.
type FragmentSource interface {
	Get(parentID string) ([]models.Node, bool)
}

// Build composes the nested display tree.
//
// A directory's children come from the fragment source only when the
// directory is expanded and not currently loading; otherwise it renders as
// a collapsed leaf. Level is assigned by recursion depth. Root files
// receive status from rootStatus (a miss keeps the node's prior status);
// nested files carry whatever the poller merged into their fragment.
func Build(root []models.Node, frags FragmentSource, expanded, loading map[string]bool, rootStatus map[string]models.Status) []*models.Node {
	out := make([]*models.Node, 0, len(root))
	for i := range root {
		n := materialize(root[i], 0, frags, expanded, loading)
		if !n.IsDir {
			if st, ok := rootStatus[n.ID]; ok {
				n.Status = st
			}
		}
		out = append(out, n)
	}
	return out
}

func materialize(src models.Node, level int, frags FragmentSource, expanded, loading map[string]bool) *models.Node {
	n := src // copy; the cache's slice stays untouched
	n.Level = level
	n.IsExpanded = src.IsDir && expanded[src.ID]
	n.IsLoading = loading[src.ID]
	n.Children = nil

	if n.IsDir && n.IsExpanded && !n.IsLoading {
		if children, ok := frags.Get(n.ID); ok {
			n.Children = make([]*models.Node, 0, len(children))
			for i := range children {
				n.Children = append(n.Children, materialize(children[i], level+1, frags, expanded, loading))
			}
		}
	}
	return &n
}

// Flatten converts the nested tree to the displayable sequence via
// pre-order depth-first traversal: each parent is immediately followed by
// its visible descendants.
func Flatten(nested []*models.Node) []*models.Node {
	var out []*models.Node
	var walk func(nodes []*models.Node)
	walk = func(nodes []*models.Node) {
		for _, n := range nodes {
			out = append(out, n)
			if len(n.Children) > 0 {
				walk(n.Children)
			}
		}
	}
	walk(nested)
	return out
}
