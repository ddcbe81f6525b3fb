package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopyhq/canopy/internal/notify"
	"github.com/canopyhq/canopy/internal/treecache"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/protocol"
)

// scriptedFetch returns one status response per call for a prefix, repeating
// the last step once exhausted.
type scriptedFetch struct {
	mu    sync.Mutex
	steps map[string][][]protocol.NodeStatus
	calls map[string]int
	errs  map[string]int
}

func newScriptedFetch() *scriptedFetch {
	return &scriptedFetch{
		steps: make(map[string][][]protocol.NodeStatus),
		calls: make(map[string]int),
		errs:  make(map[string]int),
	}
}

func (f *scriptedFetch) script(prefix string, steps ...[]protocol.NodeStatus) {
	f.steps[prefix] = steps
}

func (f *scriptedFetch) failFirst(prefix string, n int) {
	f.errs[prefix] = n
}

func (f *scriptedFetch) fetch(ctx context.Context, kbID, prefix string) ([]protocol.NodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs[prefix] > 0 {
		f.errs[prefix]--
		return nil, errors.New("status endpoint unavailable")
	}
	i := f.calls[prefix]
	f.calls[prefix]++
	steps := f.steps[prefix]
	if len(steps) == 0 {
		return nil, nil
	}
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i], nil
}

func (f *scriptedFetch) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[prefix]
}

func newTestPoller(f *scriptedFetch, hub *notify.Hub, maxDuration time.Duration) (*Poller, *treecache.Cache) {
	cache := treecache.New(nil, time.Minute)
	p := New(f.fetch, cache, hub, Config{
		Interval:    5 * time.Millisecond,
		MaxDuration: maxDuration,
	})
	return p, cache
}

func TestScopeSettlesAndStops(t *testing.T) {
	f := newScriptedFetch()
	f.script("docs",
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusPending}, {ID: "b", Status: models.StatusPending}},
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusIndexed}, {ID: "b", Status: models.StatusPending}},
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusIndexed}, {ID: "b", Status: models.StatusIndexed}},
	)

	p, cache := newTestPoller(f, notify.NewHub(), time.Minute)
	cache.Set("dir", []models.Node{
		{ID: "a", Name: "docs/a.txt"},
		{ID: "b", Name: "docs/b.txt"},
	})

	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})

	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	nodes, _ := cache.Get("dir")
	for _, n := range nodes {
		if n.Status != models.StatusIndexed {
			t.Errorf("node %s should be indexed after settle, got %s", n.ID, n.Status)
		}
	}

	// Settled scopes stay stopped.
	calls := f.callCount("docs")
	time.Sleep(30 * time.Millisecond)
	if got := f.callCount("docs"); got != calls {
		t.Errorf("settled scope kept polling: %d -> %d calls", calls, got)
	}
	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	if p.ActiveCount() != 0 {
		t.Error("settled scope must not restart before Reset")
	}
}

func TestPartialStatusKeepsPriorValues(t *testing.T) {
	f := newScriptedFetch()
	// The response never mentions node a; its earlier status must survive.
	f.script("docs",
		[]protocol.NodeStatus{{ID: "b", Status: models.StatusIndexed}},
	)

	p, cache := newTestPoller(f, notify.NewHub(), time.Minute)
	cache.Set("dir", []models.Node{
		{ID: "a", Name: "docs/a.txt", Status: models.StatusIndexed},
		{ID: "b", Name: "docs/b.txt", Status: models.StatusPending},
	})

	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	nodes, _ := cache.Get("dir")
	if nodes[0].Status != models.StatusIndexed {
		t.Errorf("missing ID lost its prior status: %s", nodes[0].Status)
	}
	if nodes[1].Status != models.StatusIndexed {
		t.Errorf("fetched status not merged: %s", nodes[1].Status)
	}
}

func TestFailureNotifiesExactlyOnce(t *testing.T) {
	f := newScriptedFetch()
	f.script("docs",
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusError}, {ID: "b", Status: models.StatusPending}},
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusError}, {ID: "b", Status: models.StatusPending}},
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusError}, {ID: "b", Status: models.StatusIndexed}},
	)

	hub := notify.NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	p, cache := newTestPoller(f, hub, time.Minute)
	cache.Set("dir", []models.Node{
		{ID: "a", Name: "docs/a.txt"},
		{ID: "b", Name: "docs/b.txt"},
	})

	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	select {
	case n := <-sub:
		if n.Severity != notify.SeverityError {
			t.Errorf("expected error severity, got %s", n.Severity)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a failure notification")
	}

	select {
	case n := <-sub:
		t.Errorf("got a second notification for the same scope: %+v", n)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTimeoutStopsSilently(t *testing.T) {
	f := newScriptedFetch()
	f.script("docs",
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusPending}},
	)

	hub := notify.NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	p, cache := newTestPoller(f, hub, 15*time.Millisecond)
	cache.Set("dir", []models.Node{{ID: "a", Name: "docs/a.txt"}})

	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	nodes, _ := cache.Get("dir")
	if nodes[0].Status != models.StatusPending {
		t.Errorf("last-known status should stand after timeout, got %s", nodes[0].Status)
	}
	select {
	case n := <-sub:
		t.Errorf("timeout must not notify, got %+v", n)
	default:
	}
}

func TestScopeWithoutFilesStopsImmediately(t *testing.T) {
	f := newScriptedFetch()
	f.script("docs", []protocol.NodeStatus{})

	p, cache := newTestPoller(f, notify.NewHub(), time.Minute)
	cache.Set("dir", []models.Node{{ID: "sub", Name: "docs/sub", IsDir: true}})

	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	if got := f.callCount("docs"); got != 1 {
		t.Errorf("all-directory scope should stop after one tick, got %d", got)
	}
}

func TestPersistentFetchErrorsHitTheDurationBound(t *testing.T) {
	f := newScriptedFetch()
	// Every fetch fails; the scope can only stop through the time bound.
	f.failFirst("docs", 1<<30)

	hub := notify.NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	p, cache := newTestPoller(f, hub, 20*time.Millisecond)
	cache.Set("dir", []models.Node{{ID: "a", Name: "docs/a.txt", Status: models.StatusPending}})

	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	nodes, _ := cache.Get("dir")
	if nodes[0].Status != models.StatusPending {
		t.Errorf("last-known status should stand, got %s", nodes[0].Status)
	}
	select {
	case n := <-sub:
		t.Errorf("timing out through fetch errors must not notify, got %+v", n)
	default:
	}

	// Timed-out scopes stay stopped until Reset, like settled ones.
	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	if p.ActiveCount() != 0 {
		t.Error("timed-out scope must not restart before Reset")
	}
}

func TestFetchErrorRetriesNextTick(t *testing.T) {
	f := newScriptedFetch()
	f.failFirst("docs", 2)
	f.script("docs",
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusIndexed}},
	)

	p, cache := newTestPoller(f, notify.NewHub(), time.Minute)
	cache.Set("dir", []models.Node{{ID: "a", Name: "docs/a.txt", Status: models.StatusPending}})

	p.Start(context.Background(), Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"})
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	nodes, _ := cache.Get("dir")
	if nodes[0].Status != models.StatusIndexed {
		t.Errorf("scope should settle after transient fetch errors, got %s", nodes[0].Status)
	}
}

func TestOnStatusReceivesEveryFetch(t *testing.T) {
	f := newScriptedFetch()
	f.script("",
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusPending}},
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusIndexed}},
	)

	p, cache := newTestPoller(f, notify.NewHub(), time.Minute)
	cache.Set(treecache.RootID, []models.Node{{ID: "a", Name: "a.txt"}})

	var mu sync.Mutex
	var got []models.Status
	p.Start(context.Background(), Scope{
		KBID:     "kb1",
		Prefix:   "",
		ParentID: treecache.RootID,
		OnStatus: func(byID map[string]models.Status) {
			mu.Lock()
			got = append(got, byID["a"])
			mu.Unlock()
		},
	})
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 2 || got[len(got)-1] != models.StatusIndexed {
		t.Errorf("OnStatus should see each fetched map, got %v", got)
	}
}

func TestResetAllowsRestart(t *testing.T) {
	f := newScriptedFetch()
	f.script("docs",
		[]protocol.NodeStatus{{ID: "a", Status: models.StatusIndexed}},
	)

	p, cache := newTestPoller(f, notify.NewHub(), time.Minute)
	cache.Set("dir", []models.Node{{ID: "a", Name: "docs/a.txt"}})

	scope := Scope{KBID: "kb1", Prefix: "docs", ParentID: "dir"}
	p.Start(context.Background(), scope)
	waitFor(t, time.Second, func() bool { return p.ActiveCount() == 0 })

	p.Reset()
	p.Start(context.Background(), scope)
	waitFor(t, time.Second, func() bool { return f.callCount("docs") >= 2 })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
