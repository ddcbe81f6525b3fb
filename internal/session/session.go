// Package session owns the drive-browsing state for one user session: the
// fragment cache, the status poller, the selection set and the deletion
// planner, wired to the gateway and to the active knowledge base.
//
// The cache is an explicitly owned object handed to the poller and the
// invalidation path by reference; nothing here reaches for ambient global
// state. All shared state is replaced wholesale on mutation, never patched
// in place, so polls completing in quick succession cannot lose updates.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/deletion"
	"github.com/canopyhq/canopy/internal/kbstate"
	"github.com/canopyhq/canopy/internal/logging"
	"github.com/canopyhq/canopy/internal/notify"
	"github.com/canopyhq/canopy/internal/poller"
	"github.com/canopyhq/canopy/internal/selection"
	"github.com/canopyhq/canopy/internal/treecache"
	"github.com/canopyhq/canopy/internal/treeview"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/protocol"
)

// Gateway is the Resource Fetch Gateway surface the session consumes.
// *gateway.Client satisfies it; tests substitute fakes.
type Gateway interface {
	ListChildren(ctx context.Context, parentID string) ([]models.Node, error)
	ListStatus(ctx context.Context, kbID, prefix string) ([]protocol.NodeStatus, error)
	CreateKnowledgeBase(ctx context.Context, req protocol.CreateKBRequest) (string, error)
	SyncKnowledgeBase(ctx context.Context, kbID string) error
	DeleteResource(ctx context.Context, kbID, fullPath string) error
}

// Config holds session tuning. Zero values select the package defaults of
// the cache and poller.
type Config struct {
	CacheTTL        time.Duration
	PollInterval    time.Duration
	PollMaxDuration time.Duration
}

// Session is the tree-management component exposed to the rendering layer.
type Session struct {
	gw      Gateway
	cache   *treecache.Cache
	poller  *poller.Poller
	sel     *selection.Set
	planner *deletion.Planner
	hub     *notify.Hub
	store   *kbstate.Store

	mu         sync.Mutex
	expanded   map[string]bool
	loading    map[string]bool
	rootStatus map[string]models.Status
	kb         *models.KnowledgeBase
}

// New wires a session. hub may be shared with the rendering layer; store
// may be nil when persistence is not wanted (tests).
func New(gw Gateway, store *kbstate.Store, hub *notify.Hub, cfg Config) *Session {
	s := &Session{
		gw:         gw,
		hub:        hub,
		store:      store,
		sel:        selection.New(),
		expanded:   make(map[string]bool),
		loading:    make(map[string]bool),
		rootStatus: make(map[string]models.Status),
	}
	s.cache = treecache.New(gw.ListChildren, cfg.CacheTTL)
	s.poller = poller.New(gw.ListStatus, s.cache, hub, poller.Config{
		Interval:    cfg.PollInterval,
		MaxDuration: cfg.PollMaxDuration,
	})
	s.planner = deletion.New(gw.DeleteResource)
	return s
}

// Mount fetches the root fragment (always fetched, never assumed cached),
// loads the persisted active knowledge base, and starts the root status
// poll when one is active.
func (s *Session) Mount(ctx context.Context) error {
	if _, err := s.cache.Fetch(ctx, treecache.RootID); err != nil {
		return fmt.Errorf("fetch drive root: %w", err)
	}

	if s.store != nil {
		var kb models.KnowledgeBase
		ok, err := s.store.Load(&kb)
		if err != nil {
			logging.L().Warn("load active knowledge base", zap.Error(err))
		} else if ok {
			s.mu.Lock()
			s.kb = &kb
			s.mu.Unlock()
		}
	}

	if kb := s.ActiveKB(); kb != nil {
		s.startRootPoll(ctx, kb.ID)
	}
	return nil
}

// startRootPoll polls the knowledge-base root scope. Root files receive
// status through the id-keyed root status map; the scope settles and stops
// like any folder scope.
func (s *Session) startRootPoll(ctx context.Context, kbID string) {
	s.poller.Start(ctx, poller.Scope{
		KBID:     kbID,
		Prefix:   "",
		ParentID: treecache.RootID,
		OnStatus: s.mergeRootStatus,
	})
}

// mergeRootStatus folds a fetched status map into the root status map.
// Missing IDs keep their prior value; the map is replaced wholesale.
func (s *Session) mergeRootStatus(byID map[string]models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make(map[string]models.Status, len(s.rootStatus)+len(byID))
	for id, st := range s.rootStatus {
		merged[id] = st
	}
	for id, st := range byID {
		merged[id] = st
	}
	s.rootStatus = merged
}

// Expand materializes a directory: the fragment fetch strictly precedes the
// status fetch and merge for its scope.
func (s *Session) Expand(ctx context.Context, id string) error {
	dir := s.findNode(id)
	if dir == nil {
		return fmt.Errorf("unknown node %q", id)
	}
	if !dir.IsDir {
		return fmt.Errorf("node %q is not a directory", dir.Name)
	}

	s.setLoading(id, true)
	nodes, err := s.cache.GetOrFetch(ctx, id)
	s.setLoading(id, false)
	if err != nil {
		return fmt.Errorf("fetch children of %s: %w", dir.Name, err)
	}

	s.mu.Lock()
	s.expanded[id] = true
	kb := s.kb
	s.mu.Unlock()

	// The scope is the common path prefix of the fragment's files: the
	// directory path itself. No files, no scope: nothing to settle.
	if kb == nil || !hasFiles(nodes) {
		return nil
	}
	s.poller.Start(ctx, poller.Scope{
		KBID:     kb.ID,
		Prefix:   dir.Name,
		ParentID: id,
	})
	return nil
}

// Collapse folds a directory. The fragment stays cached; re-expansion is
// O(1) for unrelated branches.
func (s *Session) Collapse(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expanded, id)
}

// CollapseAll folds everything and clears the selection.
func (s *Session) CollapseAll() {
	s.mu.Lock()
	s.expanded = make(map[string]bool)
	s.mu.Unlock()
	s.sel.Clear()
}

// IsExpanded reports a directory's expansion state.
func (s *Session) IsExpanded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expanded[id]
}

// Rows materializes the current displayable sequence: leveled, pre-order,
// parent immediately followed by its visible descendants.
func (s *Session) Rows() []*models.Node {
	root, _ := s.cache.Get(treecache.RootID)

	s.mu.Lock()
	expanded := copySet(s.expanded)
	loading := copySet(s.loading)
	rootStatus := s.rootStatus
	s.mu.Unlock()

	nested := treeview.Build(root, s.cache, expanded, loading, rootStatus)
	return treeview.Flatten(nested)
}

// Toggle marks or unmarks one node, propagating downward for directories.
// The children index covers every cached node, not just the visible rows,
// so a directory selection reaches descendants whose fragments were cached
// by an earlier expansion but are currently collapsed.
func (s *Session) Toggle(id string, on bool) {
	s.sel.Rebuild(s.knownNodes())
	s.sel.Select(id, on)
}

// SelectAll replaces the selection with every currently visible row, or
// clears it.
func (s *Session) SelectAll(on bool) {
	if !on {
		s.sel.Clear()
		return
	}
	rows := s.Rows()
	ids := make([]string, 0, len(rows))
	for _, n := range rows {
		ids = append(ids, n.ID)
	}
	s.sel.SelectAll(ids)
}

// IsSelected reports selection membership.
func (s *Session) IsSelected(id string) bool {
	return s.sel.IsSelected(id)
}

// SelectedCount returns the number of selected nodes.
func (s *Session) SelectedCount() int {
	return s.sel.Len()
}

// CanDeleteFile reports whether the node is an indexed file.
func (s *Session) CanDeleteFile(id string) bool {
	n := s.findNode(id)
	return n != nil && !n.IsDir && n.Status == models.StatusIndexed
}

// CanDeleteFolder reports whether the directory or any currently-known
// descendant is indexed.
func (s *Session) CanDeleteFolder(id string) bool {
	dir := s.findNode(id)
	if dir == nil || !dir.IsDir {
		return false
	}
	for _, n := range s.knownNodes() {
		if !n.IsDir && n.Status == models.StatusIndexed && n.IsDescendantOf(dir.Name) {
			return true
		}
	}
	return false
}

// IsDeleting reports whether a node's deletion request is in flight.
func (s *Session) IsDeleting(id string) bool {
	return s.planner.IsDeleting(id)
}

// StatusCounts aggregates file statuses across all known nodes.
func (s *Session) StatusCounts() map[models.Status]int {
	counts := make(map[models.Status]int)
	for _, n := range s.knownNodes() {
		if n.IsDir {
			continue
		}
		counts[n.Status]++
	}
	return counts
}

// AllSettled reports whether no known file remains pending.
func (s *Session) AllSettled() bool {
	for _, n := range s.knownNodes() {
		if n.IsDir {
			continue
		}
		if n.Status == models.StatusPending || n.Status == models.StatusPendingDelete {
			return false
		}
	}
	return true
}

// ActiveKB returns the active knowledge base, or nil.
func (s *Session) ActiveKB() *models.KnowledgeBase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kb
}

// Notifications exposes the notification hub for the rendering layer.
func (s *Session) Notifications() *notify.Hub {
	return s.hub
}

// CreateKnowledgeBase creates a knowledge base from the current selection,
// persists the handle, triggers indexing, and discards the entire tree
// cache so the next expansion refetches ground truth.
func (s *Session) CreateKnowledgeBase(ctx context.Context, name, description string) (*models.KnowledgeBase, error) {
	resourceIDs := s.sel.Selected()
	if len(resourceIDs) == 0 {
		return nil, fmt.Errorf("no resources selected")
	}

	id, err := s.gw.CreateKnowledgeBase(ctx, protocol.CreateKBRequest{
		Name:        name,
		Description: description,
		ResourceIDs: resourceIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("create knowledge base: %w", err)
	}

	kb := &models.KnowledgeBase{
		ID:          id,
		Name:        name,
		Description: description,
		ResourceIDs: resourceIDs,
	}

	s.mu.Lock()
	s.kb = kb
	s.rootStatus = make(map[string]models.Status)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(kb); err != nil {
			logging.L().Warn("persist active knowledge base", zap.Error(err))
		}
	}

	if err := s.gw.SyncKnowledgeBase(ctx, id); err != nil {
		return kb, fmt.Errorf("sync knowledge base: %w", err)
	}

	// Clean refetch: drop every fragment and all poll bookkeeping.
	s.poller.Reset()
	s.cache.InvalidateAll()
	if _, err := s.cache.Fetch(ctx, treecache.RootID); err != nil {
		return kb, fmt.Errorf("refetch drive root: %w", err)
	}
	s.startRootPoll(ctx, id)
	return kb, nil
}

// DeleteSelected expands the selection into indexed-file candidates and
// deletes them sequentially. Afterward, on success or partial failure, all
// status scopes are torn down and the whole tree cache is discarded, so
// the next expansion or poll re-derives ground truth instead of trusting
// stale merged status. An empty candidate set aborts with no network
// effect.
func (s *Session) DeleteSelected(ctx context.Context) ([]deletion.Outcome, error) {
	kb := s.ActiveKB()
	if kb == nil {
		return nil, fmt.Errorf("no active knowledge base")
	}

	candidates := s.planner.Plan(s.sel.Selected(), s.knownNodes())
	if len(candidates) == 0 {
		return nil, nil
	}

	outcomes := s.planner.Execute(ctx, kb.ID, candidates)

	s.poller.Reset()
	s.cache.InvalidateAll()
	s.mu.Lock()
	s.rootStatus = make(map[string]models.Status)
	s.mu.Unlock()

	for _, o := range outcomes {
		if o.Err == nil {
			s.sel.Select(o.ID, false)
		}
	}
	return outcomes, nil
}

// knownNodes walks the root fragment and every cached fragment in
// pre-order, returning each known node once with its current merged
// status. Used for deletion planning and aggregates, independent of what
// is currently visible.
func (s *Session) knownNodes() []*models.Node {
	var out []*models.Node
	seen := make(map[string]bool)

	var walk func(parentID string)
	walk = func(parentID string) {
		nodes, ok := s.cache.Get(parentID)
		if !ok {
			return
		}
		for i := range nodes {
			n := nodes[i] // copy
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			if parentID == treecache.RootID && !n.IsDir {
				s.mu.Lock()
				if st, ok := s.rootStatus[n.ID]; ok {
					n.Status = st
				}
				s.mu.Unlock()
			}
			out = append(out, &n)
			if n.IsDir {
				walk(n.ID)
			}
		}
	}
	walk(treecache.RootID)
	return out
}

// findNode locates a known node by ID.
func (s *Session) findNode(id string) *models.Node {
	for _, n := range s.knownNodes() {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (s *Session) setLoading(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.loading[id] = true
		return
	}
	delete(s.loading, id)
}

func hasFiles(nodes []models.Node) bool {
	for i := range nodes {
		if !nodes[i].IsDir {
			return true
		}
	}
	return false
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
