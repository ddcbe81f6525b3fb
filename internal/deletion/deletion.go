// Package deletion expands a raw selection into the concrete
// status-eligible resources to delete and executes the batch.
//
// Only indexed files are deletable. Deletions run strictly sequentially in
// selection order; each candidate's outcome is recorded independently, so
// one failure never aborts the rest of the batch.
package deletion

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/logging"
	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/pkg/models"
)

// DeleteFunc removes one resource from the knowledge base by its full path.
type DeleteFunc func(ctx context.Context, kbID, fullPath string) error

// Outcome is the result of one candidate's deletion attempt.
type Outcome struct {
	ID   string
	Path string
	Err  error
}

// Planner plans and executes deletion batches and tracks per-node
// in-flight state for the view.
type Planner struct {
	deleteFn DeleteFunc

	mu       sync.Mutex
	deleting map[string]bool
}

// New creates a planner backed by the given delete function.
func New(deleteFn DeleteFunc) *Planner {
	return &Planner{
		deleteFn: deleteFn,
		deleting: make(map[string]bool),
	}
}

// Plan expands the selected IDs into concrete candidates.
//
// A directly-selected indexed file is a candidate as-is. A selected
// directory contributes every known indexed file descendant by path
// prefix, independent of current expansion or visibility. Candidates are
// deduplicated by ID, keeping the first occurrence so the batch preserves
// selection iteration order.
func (p *Planner) Plan(selectedIDs []string, known []*models.Node) []*models.Node {
	byID := make(map[string]*models.Node, len(known))
	for _, n := range known {
		byID[n.ID] = n
	}

	seen := make(map[string]bool)
	var candidates []*models.Node
	add := func(n *models.Node) {
		if n.IsDir || n.Status != models.StatusIndexed || seen[n.ID] {
			return
		}
		seen[n.ID] = true
		candidates = append(candidates, n)
	}

	for _, id := range selectedIDs {
		n, ok := byID[id]
		if !ok {
			continue
		}
		if !n.IsDir {
			add(n)
			continue
		}
		for _, d := range known {
			if d.IsDescendantOf(n.Name) {
				add(d)
			}
		}
	}
	return candidates
}

// Execute deletes the candidates one resource at a time. An empty batch
// performs zero network calls. The per-candidate deleting mark is set
// immediately before the request and cleared immediately after, regardless
// of outcome, so the view can show precise per-row progress.
func (p *Planner) Execute(ctx context.Context, kbID string, candidates []*models.Node) []Outcome {
	if len(candidates) == 0 {
		return nil
	}

	metrics.RecordDeletionBatch(len(candidates))
	outcomes := make([]Outcome, 0, len(candidates))

	for _, n := range candidates {
		p.setDeleting(n.ID, true)
		err := p.deleteFn(ctx, kbID, n.Name)
		p.setDeleting(n.ID, false)

		metrics.RecordDeletion(err == nil)
		if err != nil {
			logging.L().Warn("resource deletion failed",
				zap.String("path", n.Name),
				zap.Error(err),
			)
		}
		outcomes = append(outcomes, Outcome{ID: n.ID, Path: n.Name, Err: err})
	}
	return outcomes
}

// IsDeleting reports whether a node's deletion request is in flight.
func (p *Planner) IsDeleting(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleting[id]
}

func (p *Planner) setDeleting(id string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.deleting[id] = true
		return
	}
	delete(p.deleting, id)
}
