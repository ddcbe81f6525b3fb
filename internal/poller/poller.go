// Package poller drives repeated knowledge-base status fetches per scope
// and reconciles the results into the tree cache.
//
// A scope is one (knowledge base, path prefix) pair. Each scope polls on a
// fixed interval until every file in its fragment settles, the fragment
// turns out to contain no files, or a bounded wall-clock duration elapses.
// A scope stops by simply not rescheduling itself; an in-flight fetch is
// never aborted.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/logging"
	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/internal/notify"
	"github.com/canopyhq/canopy/internal/treecache"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/protocol"
)

const (
	// DefaultInterval is the wait between poll ticks of one scope.
	DefaultInterval = 2500 * time.Millisecond
	// DefaultMaxDuration bounds how long a scope may keep polling. The
	// timeout is a safety valve against a stuck backend, not an error:
	// polling stops, the last-known status stands, nothing is emitted.
	DefaultMaxDuration = 5 * time.Minute
)

// StatusFetchFunc fetches fresh indexing status for resources under a path
// prefix. It must bypass any caching layer: termination correctness depends
// on up-to-date data.
type StatusFetchFunc func(ctx context.Context, kbID, prefix string) ([]protocol.NodeStatus, error)

// Scope identifies one polling scope and the cache fragment it merges into.
type Scope struct {
	KBID     string
	Prefix   string
	ParentID string

	// OnStatus, if set, receives the fetched status map on every
	// successful tick, before the merge. The session uses it on the root
	// scope to maintain the id-keyed root status map consumed by the
	// materializer.
	OnStatus func(byID map[string]models.Status)
}

// Key returns the dedup key for the scope. Notification deduplication and
// settle bookkeeping are keyed per scope, never per folder view, so
// overlapping polls of the same scope cannot double-fire.
func (s Scope) Key() string {
	return s.KBID + "\x00" + s.Prefix
}

// Config holds poller timing.
type Config struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// tick outcomes, recorded as metrics labels.
const (
	outcomeReschedule = "reschedule"
	outcomeSettled    = "settled"
	outcomeEmpty      = "empty"
	outcomeTimeout    = "timeout"
	outcomeFetchError = "fetch_error"
)

// Poller owns one repeating task per active scope.
type Poller struct {
	fetch StatusFetchFunc
	cache *treecache.Cache
	hub   *notify.Hub
	cfg   Config

	mu sync.Mutex
	// active maps scope key to the stop channel of its running task.
	active map[string]chan struct{}
	// done marks scopes that settled or timed out; they are not polled
	// again until Reset.
	done map[string]bool
	// notified marks scopes whose failure notification already fired.
	// Checked before emitting; never re-emits for the same scope.
	notified map[string]bool
}

// New creates a poller that merges fetched status into the given cache and
// publishes failure notifications on hub.
func New(fetch StatusFetchFunc, cache *treecache.Cache, hub *notify.Hub, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	return &Poller{
		fetch:    fetch,
		cache:    cache,
		hub:      hub,
		cfg:      cfg,
		active:   make(map[string]chan struct{}),
		done:     make(map[string]bool),
		notified: make(map[string]bool),
	}
}

// Start begins polling a scope. A scope that is already polling, or that
// already settled or timed out, is not started again.
func (p *Poller) Start(ctx context.Context, scope Scope) {
	key := scope.Key()

	p.mu.Lock()
	if p.done[key] {
		p.mu.Unlock()
		return
	}
	if _, running := p.active[key]; running {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.active[key] = stop
	metrics.SetScopesActive(len(p.active))
	p.mu.Unlock()

	go p.run(ctx, scope, stop)
}

// run is the repeating task for one scope. It carries its own start time
// and termination predicate; stopping means not rescheduling.
func (p *Poller) run(ctx context.Context, scope Scope, stop <-chan struct{}) {
	start := time.Now()
	key := scope.Key()

	for {
		outcome := p.tick(ctx, scope, start)
		metrics.RecordPollTick(outcome)

		if outcome != outcomeReschedule && outcome != outcomeFetchError {
			p.finish(key, outcome)
			return
		}

		select {
		case <-ctx.Done():
			p.remove(key)
			return
		case <-stop:
			p.remove(key)
			return
		case <-time.After(p.cfg.Interval):
		}
	}
}

// tick performs one fetch-merge-evaluate cycle and returns the outcome.
func (p *Poller) tick(ctx context.Context, scope Scope, start time.Time) string {
	statuses, err := p.fetch(ctx, scope.KBID, scope.Prefix)
	if err != nil {
		// Recovered locally: prior merged status stands, next tick
		// retries naturally. The duration bound still applies, a backend
		// that errors on every fetch must not pin the scope forever.
		logging.L().Warn("status fetch failed",
			zap.String("kb_id", scope.KBID),
			zap.String("prefix", scope.Prefix),
			zap.Error(err),
		)
		if time.Since(start) > p.cfg.MaxDuration {
			return outcomeTimeout
		}
		return outcomeFetchError
	}

	byID := make(map[string]models.Status, len(statuses))
	for _, s := range statuses {
		byID[s.ID] = s.Status
	}

	if scope.OnStatus != nil {
		scope.OnStatus(byID)
	}

	// Merge into the fragment as a full replacement. A fetch miss for a
	// given ID keeps its previous status; merging a partial status map
	// never resets a node to unknown.
	p.cache.Replace(scope.ParentID, func(nodes []models.Node) []models.Node {
		for i := range nodes {
			if nodes[i].IsDir {
				continue
			}
			if st, ok := byID[nodes[i].ID]; ok {
				nodes[i].Status = st
			}
		}
		return nodes
	})

	nodes, ok := p.cache.Get(scope.ParentID)
	if !ok {
		// Fragment discarded under us (full invalidation): nothing left
		// to settle.
		return outcomeEmpty
	}

	files, settled, failed := 0, 0, 0
	for i := range nodes {
		if nodes[i].IsDir {
			continue
		}
		files++
		if nodes[i].Status.Settled() {
			settled++
		}
		if nodes[i].Status == models.StatusError {
			failed++
		}
	}

	if failed > 0 {
		p.notifyOnce(scope, failed)
	}

	switch {
	case files == 0:
		return outcomeEmpty
	case settled == files:
		return outcomeSettled
	case time.Since(start) > p.cfg.MaxDuration:
		return outcomeTimeout
	default:
		return outcomeReschedule
	}
}

// notifyOnce emits the per-scope failure notification exactly once, even
// across overlapping polls of the same scope.
func (p *Poller) notifyOnce(scope Scope, failed int) {
	key := scope.Key()

	p.mu.Lock()
	if p.notified[key] {
		p.mu.Unlock()
		return
	}
	p.notified[key] = true
	p.mu.Unlock()

	metrics.RecordNotification()
	p.hub.Publish(notify.Notification{
		Scope:    key,
		Severity: notify.SeverityError,
		Message: fmt.Sprintf("%d resource(s) under %q failed to index; "+
			"the knowledge base may be inconsistent. Consider recreating it.",
			failed, displayPrefix(scope.Prefix)),
	})
}

// Reset stops rescheduling for every active scope and clears the settled
// and notified bookkeeping. Used after deletions and knowledge-base
// recreation so the next expansion re-derives ground truth.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, stop := range p.active {
		close(stop)
		delete(p.active, key)
	}
	p.done = make(map[string]bool)
	p.notified = make(map[string]bool)
	metrics.SetScopesActive(0)
}

// ActiveCount returns the number of scopes currently polling.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// finish records a terminal outcome for a scope.
func (p *Poller) finish(key, outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, key)
	p.done[key] = true
	metrics.SetScopesActive(len(p.active))
	logging.L().Debug("scope stopped",
		zap.String("scope", key),
		zap.String("outcome", outcome),
	)
}

// remove drops a scope from the active set without marking it done, so a
// later Start may poll it again.
func (p *Poller) remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, key)
	metrics.SetScopesActive(len(p.active))
}

func displayPrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return prefix
}
