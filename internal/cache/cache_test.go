package cache

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type item struct {
	ID    int
	Value string
}

type itemChange = Change[int, item]

func newItemCache() (*Cache[int, item], *[]itemChange) {
	c := New[int, item](func(i item) int { return i.ID })
	var changes []itemChange
	c.Subscribe(func(ch itemChange) {
		changes = append(changes, ch)
	})
	return c, &changes
}

func ids(items []item) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestUpsertUpdatesListAndDetail(t *testing.T) {
	c, _ := newItemCache()
	c.ReplaceList([]item{{1, "a"}, {2, "b"}})
	c.SetDetail(item{2, "b"})

	c.Upsert(item{2, "b2"})

	got, ok := c.Get(2)
	if !ok || got.Value != "b2" {
		t.Fatalf("expected canonical b2, got %+v", got)
	}
	if list := c.List(); list[1].Value != "b2" {
		t.Errorf("list entry not updated: %+v", list)
	}
	if d, _ := c.Detail(); d.Value != "b2" {
		t.Errorf("detail not updated: %+v", d)
	}
}

func TestUpsertOfUnlistedIDLeavesListUnchanged(t *testing.T) {
	c, _ := newItemCache()
	c.ReplaceList([]item{{1, "a"}})

	c.Upsert(item{9, "z"})

	if diff := cmp.Diff([]int{1}, ids(c.List())); diff != "" {
		t.Errorf("list changed (-want +got):\n%s", diff)
	}
	if _, ok := c.Get(9); !ok {
		t.Error("expected id 9 to be held canonically")
	}
}

func TestNotificationsOnlyOnActualChange(t *testing.T) {
	c, changes := newItemCache()

	c.Upsert(item{1, "a"})
	c.Upsert(item{1, "a"})
	c.Upsert(item{1, "b"})

	want := []itemChange{
		{Kind: Upserted, ID: 1, Value: item{1, "a"}},
		{Kind: Upserted, ID: 1, Value: item{1, "b"}},
	}
	if diff := cmp.Diff(want, *changes); diff != "" {
		t.Errorf("unexpected changes (-want +got):\n%s", diff)
	}

	*changes = nil
	c.ReplaceList([]item{{1, "b"}, {2, "c"}})
	if diff := cmp.Diff([]itemChange{{Kind: Listed, ID: 2, Value: item{2, "c"}}}, *changes); diff != "" {
		t.Errorf("ReplaceList should only report the new entry (-want +got):\n%s", diff)
	}
}

func TestReplaceListKeepsStaleDetail(t *testing.T) {
	c, changes := newItemCache()
	c.ReplaceList([]item{{1, "a"}, {2, "b"}})
	c.SetDetail(item{2, "b"})
	*changes = nil

	c.ReplaceList([]item{{1, "a"}, {3, "c"}})

	d, ok := c.Detail()
	if !ok || d.ID != 2 {
		t.Fatalf("detail slot should still hold id 2, got %+v ok=%v", d, ok)
	}
	if !c.DetailStale() {
		t.Error("detail should be flagged stale")
	}
	if _, ok := c.Get(2); !ok {
		t.Error("detail entity must not be deleted")
	}
	for _, ch := range *changes {
		if ch.ID == 2 {
			t.Errorf("detail entity must not be evicted: %+v", ch)
		}
	}

	c.ReplaceList([]item{{2, "b"}})
	if c.DetailStale() {
		t.Error("detail should no longer be stale once listed again")
	}
}

func TestReplaceListEvictsDropped(t *testing.T) {
	c, changes := newItemCache()
	c.ReplaceList([]item{{1, "a"}, {2, "b"}})
	*changes = nil

	c.ReplaceList([]item{{2, "b"}})

	if _, ok := c.Get(1); ok {
		t.Error("id 1 should be evicted")
	}
	if diff := cmp.Diff([]itemChange{{Kind: Evicted, ID: 1}}, *changes); diff != "" {
		t.Errorf("unexpected changes (-want +got):\n%s", diff)
	}
}

func TestChangeCarriesValueAfterEviction(t *testing.T) {
	c, changes := newItemCache()

	c.Upsert(item{1, "done"})
	c.ReplaceList([]item{{2, "other"}})

	if _, ok := c.Get(1); ok {
		t.Fatal("id 1 should be evicted")
	}
	if got := (*changes)[0]; got.Kind != Upserted || got.Value != (item{1, "done"}) {
		t.Errorf("upsert notification should carry its value, got %+v", got)
	}
}

func TestShowDetailKeepsHeldValue(t *testing.T) {
	c, changes := newItemCache()
	c.Upsert(item{1, "fresh"})
	*changes = nil

	got := c.ShowDetail(item{1, "loaded"})

	if got.Value != "fresh" {
		t.Errorf("held value should win, got %+v", got)
	}
	if v, _ := c.Get(1); v.Value != "fresh" {
		t.Errorf("canonical value overwritten: %+v", v)
	}
	if diff := cmp.Diff([]itemChange{{Kind: DetailChanged, ID: 1, Value: item{1, "fresh"}}}, *changes); diff != "" {
		t.Errorf("unexpected changes (-want +got):\n%s", diff)
	}

	*changes = nil
	if got := c.ShowDetail(item{2, "loaded"}); got.Value != "loaded" {
		t.Errorf("absent id should be inserted, got %+v", got)
	}
	for _, ch := range *changes {
		if ch.Kind == Upserted {
			t.Errorf("showing a loaded value is not an upsert: %+v", ch)
		}
	}
	if d, ok := c.Detail(); !ok || d.ID != 2 {
		t.Errorf("detail should point at 2, got %+v", d)
	}
}

func TestPointDetail(t *testing.T) {
	c, _ := newItemCache()
	c.ReplaceList([]item{{1, "a"}})

	if _, ok := c.PointDetail(7); ok {
		t.Error("absent id should not be pointed at")
	}
	if _, ok := c.Detail(); ok {
		t.Error("detail slot should stay empty")
	}

	v, ok := c.PointDetail(1)
	if !ok || v.Value != "a" {
		t.Fatalf("expected a, got %+v ok=%v", v, ok)
	}
	if d, _ := c.Detail(); d.ID != 1 {
		t.Errorf("detail should point at 1, got %+v", d)
	}
}

func TestPrependMovesToHead(t *testing.T) {
	c, _ := newItemCache()
	c.ReplaceList([]item{{1, "a"}, {2, "b"}})

	c.Prepend(item{3, "c"})
	if diff := cmp.Diff([]int{3, 1, 2}, ids(c.List())); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}

	c.Prepend(item{2, "b"})
	if diff := cmp.Diff([]int{2, 3, 1}, ids(c.List())); diff != "" {
		t.Errorf("existing id should move to head (-want +got):\n%s", diff)
	}
}

func TestRemoveClearsDetail(t *testing.T) {
	c, _ := newItemCache()
	c.ReplaceList([]item{{1, "a"}})
	c.SetDetail(item{1, "a"})

	if !c.Remove(1) {
		t.Fatal("expected remove to report true")
	}
	if _, ok := c.Detail(); ok {
		t.Error("detail should be cleared")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty list, got %d", c.Len())
	}
	if c.Remove(1) {
		t.Error("second remove should report false")
	}
}

func TestUpdateAbortAndApply(t *testing.T) {
	c, changes := newItemCache()
	c.Upsert(item{1, "a"})
	*changes = nil

	c.Update(1, func(it item) (item, bool) {
		it.Value = "ignored"
		return it, false
	})
	if got, _ := c.Get(1); got.Value != "a" {
		t.Errorf("aborted update applied: %+v", got)
	}

	got, ok := c.Update(1, func(it item) (item, bool) {
		it.Value = "b"
		return it, true
	})
	if !ok || got.Value != "b" {
		t.Errorf("expected b, got %+v", got)
	}
	if len(*changes) != 1 {
		t.Errorf("expected exactly one notification, got %d", len(*changes))
	}

	if _, ok := c.Update(42, func(it item) (item, bool) { return it, true }); ok {
		t.Error("update of missing id should report false")
	}
}

func TestUnsubscribe(t *testing.T) {
	c := New[int, item](func(i item) int { return i.ID })
	count := 0
	unsubscribe := c.Subscribe(func(itemChange) { count++ })

	c.Upsert(item{1, "a"})
	unsubscribe()
	c.Upsert(item{1, "b"})

	if count != 1 {
		t.Errorf("expected 1 notification, got %d", count)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	c := New[int, item](func(i item) int { return i.ID })
	var mu sync.Mutex
	seen := map[int]int{}
	c.Subscribe(func(ch itemChange) {
		mu.Lock()
		seen[ch.ID]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Upsert(item{i, "v"})
			_ = c.List()
		}(i)
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("expected 50 ids notified, got %d", len(seen))
	}
}
