// Package models contains the shared data types for the drive tree and
// knowledge-base status reconciliation.
package models

import "strings"

// Status is the knowledge-base indexing state of a single resource.
type Status string

const (
	StatusIndexed       Status = "indexed"
	StatusPending       Status = "pending"
	StatusPendingDelete Status = "pending_delete"
	StatusError         Status = "error"
	StatusUnknown       Status = "unknown"
	// StatusAbsent means the knowledge base has no record for the resource.
	// Directories always carry StatusAbsent.
	StatusAbsent Status = "absent"
)

// Settled reports whether the status will not change without further user
// action. Pending and pending_delete are the only unsettled states.
func (s Status) Settled() bool {
	return s == StatusIndexed || s == StatusError
}

// Node represents a file or directory in the remote drive.
//
// ID is the stable remote identity; it survives refetches of the fragment
// that contains it. Name is the full hierarchical path; the display name is
// its last segment. Level, IsExpanded, IsLoading and Children are derived
// view state, not part of the node's remote identity.
type Node struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsDir  bool   `json:"is_dir"`
	Status Status `json:"status,omitempty"`

	Level      int     `json:"-"`
	IsExpanded bool    `json:"-"`
	IsLoading  bool    `json:"-"`
	Children   []*Node `json:"-"`
}

// DisplayName returns the last path segment of the node's name.
func (n *Node) DisplayName() string {
	if i := strings.LastIndex(n.Name, "/"); i >= 0 {
		return n.Name[i+1:]
	}
	return n.Name
}

// IsDescendantOf reports whether the node lives under the given directory
// path. The relation is by path prefix, so it holds at any depth.
func (n *Node) IsDescendantOf(dirPath string) bool {
	return strings.HasPrefix(n.Name, dirPath+"/")
}

// KnowledgeBase identifies one knowledge base and the drive resources it
// was created from.
type KnowledgeBase struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
}
