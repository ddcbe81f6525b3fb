package treecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopyhq/canopy/pkg/models"
)

func TestGetOrFetchCachesPerParent(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, parentID string) ([]models.Node, error) {
		atomic.AddInt32(&calls, 1)
		return []models.Node{{ID: "a", Name: parentID + "/a"}}, nil
	}
	c := New(fetch, time.Minute)

	ctx := context.Background()
	if _, err := c.GetOrFetch(ctx, "d1"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if _, err := c.GetOrFetch(ctx, "d1"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 fetch for cached parent, got %d", got)
	}

	if _, err := c.GetOrFetch(ctx, "d2"); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected independent fetch per parent, got %d calls", got)
	}
}

func TestFetchErrorDoesNotPoisonCache(t *testing.T) {
	var fail atomic.Bool
	fetch := func(ctx context.Context, parentID string) ([]models.Node, error) {
		if fail.Load() {
			return nil, errors.New("gateway down")
		}
		return []models.Node{{ID: "a", Name: "a"}}, nil
	}
	c := New(fetch, time.Minute)

	ctx := context.Background()
	if _, err := c.Fetch(ctx, RootID); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	fail.Store(true)
	if _, err := c.Fetch(ctx, RootID); err == nil {
		t.Fatal("expected fetch error")
	}

	nodes, ok := c.Get(RootID)
	if !ok || len(nodes) != 1 || nodes[0].ID != "a" {
		t.Errorf("previous fragment should survive a failed fetch, got %v ok=%v", nodes, ok)
	}
}

func TestStaleFragmentServedWhileRevalidating(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, parentID string) ([]models.Node, error) {
		atomic.AddInt32(&calls, 1)
		return []models.Node{{ID: "fresh", Name: "fresh"}}, nil
	}
	c := New(fetch, 5*time.Millisecond)
	c.Set(RootID, []models.Node{{ID: "stale", Name: "stale"}})

	time.Sleep(10 * time.Millisecond)

	nodes, err := c.GetOrFetch(context.Background(), RootID)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "stale" {
		t.Errorf("stale read should return the cached value immediately, got %v", nodes)
	}

	waitFor(t, time.Second, func() bool {
		got, _ := c.Get(RootID)
		return len(got) == 1 && got[0].ID == "fresh"
	})
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	fetch := func(ctx context.Context, parentID string) ([]models.Node, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []models.Node{{ID: "a", Name: "a"}}, nil
	}
	c := New(fetch, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Fetch(context.Background(), "dir"); err != nil {
				t.Errorf("Fetch: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected concurrent fetches to share one call, got %d", got)
	}
}

func TestReplaceSwapsWholesale(t *testing.T) {
	c := New(nil, time.Minute)
	c.Set("dir", []models.Node{
		{ID: "a", Name: "dir/a", Status: models.StatusPending},
		{ID: "b", Name: "dir/b", Status: models.StatusPending},
	})

	before, _ := c.Get("dir")

	ok := c.Replace("dir", func(nodes []models.Node) []models.Node {
		nodes[0].Status = models.StatusIndexed
		return nodes
	})
	if !ok {
		t.Fatal("Replace returned false for cached fragment")
	}

	// The reference held before the swap is untouched.
	if before[0].Status != models.StatusPending {
		t.Error("Replace mutated the previously returned slice")
	}
	after, _ := c.Get("dir")
	if after[0].Status != models.StatusIndexed || after[1].Status != models.StatusPending {
		t.Errorf("unexpected fragment after Replace: %v", after)
	}

	if c.Replace("missing", func(n []models.Node) []models.Node { return n }) {
		t.Error("Replace should report false for an uncached parent")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(nil, time.Minute)
	c.Set(RootID, []models.Node{{ID: "d", Name: "docs", IsDir: true}})
	c.Set("d", []models.Node{{ID: "f", Name: "docs/f.txt"}})
	c.Set("x", []models.Node{{ID: "g", Name: "other/g.txt"}})

	c.Invalidate("d")
	if _, ok := c.Get("d"); ok {
		t.Error("fragment should be gone after Invalidate")
	}
	if c.Size() != 2 {
		t.Errorf("unrelated fragments should survive, size=%d", c.Size())
	}

	c.InvalidateAll()
	if c.Size() != 0 {
		t.Errorf("expected empty cache, size=%d", c.Size())
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(nil, time.Minute)
	c.Set(RootID, []models.Node{{ID: "d", Name: "docs", IsDir: true}})
	c.Set("d", []models.Node{{ID: "f", Name: "docs/f.txt"}})
	c.Set("x", []models.Node{{ID: "g", Name: "other/g.txt"}})

	c.InvalidatePrefix("docs")

	if _, ok := c.Get("d"); ok {
		t.Error("fragment under the prefix should be invalidated")
	}
	if _, ok := c.Get(RootID); ok {
		t.Error("fragment containing the directory itself should be invalidated")
	}
	if _, ok := c.Get("x"); !ok {
		t.Error("unrelated fragment should survive prefix invalidation")
	}
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
