// Package cache holds the canonical in-memory copy of domain entities by id and
// exposes a list view and a single detail slot over it.
//
// The list and the detail slot reference the same canonical value, so after any
// mutation completes the two views can never disagree about an entity.
// Observers are notified per entity id, and only when a value actually changed.
package cache

import (
	"sync"

	"github.com/google/go-cmp/cmp"
)

// ChangeKind describes what happened to an entity.
type ChangeKind string

const (
	// Upserted: the canonical value was inserted or replaced through Upsert or Prepend.
	Upserted ChangeKind = "upserted"
	// Removed: the entity was explicitly removed.
	Removed ChangeKind = "removed"
	// Listed: ReplaceList added or changed the entity.
	Listed ChangeKind = "listed"
	// Evicted: ReplaceList dropped the entity from the view.
	Evicted ChangeKind = "evicted"
	// DetailChanged: the detail slot now points at this id.
	DetailChanged ChangeKind = "detail_changed"
)

// Change is delivered to observers after a mutation. Value is the entity as
// the mutation left it; it is the zero value for Removed and Evicted.
type Change[K comparable, T any] struct {
	Kind  ChangeKind
	ID    K
	Value T
}

// Observer receives change notifications. Observers run synchronously in
// mutation order and must not mutate the cache from inside the callback.
type Observer[K comparable, T any] func(Change[K, T])

// Option configures a Cache.
type Option[K comparable, T any] func(*Cache[K, T])

// WithEqual overrides the value comparison used to suppress redundant notifications.
func WithEqual[K comparable, T any](equal func(a, b T) bool) Option[K, T] {
	return func(c *Cache[K, T]) {
		c.equal = equal
	}
}

// Cache is a keyed entity store with a list view and a detail slot.
type Cache[K comparable, T any] struct {
	keyOf func(T) K
	equal func(a, b T) bool

	mu          sync.RWMutex
	entities    map[K]T
	order       []K
	detail      K
	hasDetail   bool
	detailStale bool

	// notifyMu is taken before mu is released so that notifications are
	// delivered in the same order as the mutations that produced them.
	notifyMu  sync.Mutex
	observers map[int]Observer[K, T]
	nextObs   int
}

// New creates an empty cache. keyOf extracts the entity id.
func New[K comparable, T any](keyOf func(T) K, opts ...Option[K, T]) *Cache[K, T] {
	c := &Cache[K, T]{
		keyOf:     keyOf,
		equal:     func(a, b T) bool { return cmp.Equal(a, b) },
		entities:  make(map[K]T),
		observers: make(map[int]Observer[K, T]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers an observer and returns a function that removes it.
func (c *Cache[K, T]) Subscribe(fn Observer[K, T]) func() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn

	return func() {
		c.notifyMu.Lock()
		defer c.notifyMu.Unlock()
		delete(c.observers, id)
	}
}

// Get returns the canonical value for id.
func (c *Cache[K, T]) Get(id K) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.entities[id]
	return v, ok
}

// List returns the list view in order.
func (c *Cache[K, T]) List() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entities[id])
	}
	return out
}

// Len returns the number of entries in the list view.
func (c *Cache[K, T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Detail returns the entity in the detail slot.
func (c *Cache[K, T]) Detail() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.hasDetail {
		var zero T
		return zero, false
	}
	return c.entities[c.detail], true
}

// DetailStale reports whether the detail slot holds an id that the last
// ReplaceList did not include.
func (c *Cache[K, T]) DetailStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detailStale
}

// Upsert stores v as the canonical value for its id. The list entry and the
// detail slot for that id reflect the new value; an id that is in neither
// view is held canonically until the next ReplaceList.
func (c *Cache[K, T]) Upsert(v T) {
	id := c.keyOf(v)

	c.mu.Lock()
	old, existed := c.entities[id]
	if existed && c.equal(old, v) {
		c.mu.Unlock()
		return
	}
	c.entities[id] = v
	c.publish([]Change[K, T]{{Kind: Upserted, ID: id, Value: v}})
}

// Prepend upserts v and moves it to the head of the list view.
func (c *Cache[K, T]) Prepend(v T) {
	id := c.keyOf(v)

	c.mu.Lock()
	old, existed := c.entities[id]
	pos := c.indexOf(id)
	if existed && pos == 0 && c.equal(old, v) {
		c.mu.Unlock()
		return
	}
	c.entities[id] = v
	if pos >= 0 {
		c.order = append(c.order[:pos], c.order[pos+1:]...)
	}
	c.order = append([]K{id}, c.order...)
	c.publish([]Change[K, T]{{Kind: Upserted, ID: id, Value: v}})
}

// Remove deletes id from every view. It reports whether anything was removed.
func (c *Cache[K, T]) Remove(id K) bool {
	c.mu.Lock()
	if _, ok := c.entities[id]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entities, id)
	if pos := c.indexOf(id); pos >= 0 {
		c.order = append(c.order[:pos], c.order[pos+1:]...)
	}
	if c.hasDetail && c.detail == id {
		var zero K
		c.detail = zero
		c.hasDetail = false
		c.detailStale = false
	}
	c.publish([]Change[K, T]{{Kind: Removed, ID: id}})
	return true
}

// SetDetail stores v and points the detail slot at it.
func (c *Cache[K, T]) SetDetail(v T) {
	id := c.keyOf(v)

	c.mu.Lock()
	var changes []Change[K, T]
	old, existed := c.entities[id]
	if !existed || !c.equal(old, v) {
		c.entities[id] = v
		changes = append(changes, Change[K, T]{Kind: Upserted, ID: id, Value: v})
	}
	c.detailStale = false
	if !c.hasDetail || c.detail != id {
		c.detail = id
		c.hasDetail = true
		changes = append(changes, Change[K, T]{Kind: DetailChanged, ID: id, Value: v})
	}
	if len(changes) == 0 {
		c.mu.Unlock()
		return
	}
	c.publish(changes)
}

// PointDetail points the detail slot at id without touching its value. It
// reports false, leaving the slot alone, when id is not held.
func (c *Cache[K, T]) PointDetail(id K) (T, bool) {
	c.mu.Lock()
	v, ok := c.entities[id]
	if !ok {
		c.mu.Unlock()
		return v, false
	}
	c.point(id, v)
	return v, true
}

// ShowDetail points the detail slot at v's id. A value already held for that
// id wins over v; v is only inserted when the id is absent. It returns the
// value the slot now shows.
func (c *Cache[K, T]) ShowDetail(v T) T {
	id := c.keyOf(v)

	c.mu.Lock()
	if held, ok := c.entities[id]; ok {
		v = held
	} else {
		c.entities[id] = v
	}
	c.point(id, v)
	return v
}

// point must be called with mu held; it releases mu.
func (c *Cache[K, T]) point(id K, v T) {
	if c.hasDetail && c.detail == id {
		c.mu.Unlock()
		return
	}
	c.detail = id
	c.hasDetail = true
	c.detailStale = false
	c.publish([]Change[K, T]{{Kind: DetailChanged, ID: id, Value: v}})
}

// ReplaceList overwrites the list view. Entities absent from items are
// evicted, except the one held by the detail slot, which is kept and flagged
// stale.
func (c *Cache[K, T]) ReplaceList(items []T) {
	c.mu.Lock()

	var changes []Change[K, T]
	next := make(map[K]T, len(items))
	order := make([]K, 0, len(items))
	for _, v := range items {
		id := c.keyOf(v)
		if _, dup := next[id]; !dup {
			order = append(order, id)
		}
		next[id] = v
	}

	for _, id := range order {
		v := next[id]
		if old, ok := c.entities[id]; !ok || !c.equal(old, v) {
			changes = append(changes, Change[K, T]{Kind: Listed, ID: id, Value: v})
		}
	}

	for id, old := range c.entities {
		if _, kept := next[id]; kept {
			continue
		}
		if c.hasDetail && c.detail == id {
			next[id] = old
			continue
		}
		changes = append(changes, Change[K, T]{Kind: Evicted, ID: id})
	}

	c.entities = next
	c.order = order
	if c.hasDetail {
		c.detailStale = c.indexOf(c.detail) < 0
	}

	if len(changes) == 0 {
		c.mu.Unlock()
		return
	}
	c.publish(changes)
}

// Update applies fn to the canonical value for id under the write lock.
// fn returns the new value and false to abort. Update reports whether the
// entity existed.
func (c *Cache[K, T]) Update(id K, fn func(T) (T, bool)) (T, bool) {
	c.mu.Lock()
	old, ok := c.entities[id]
	if !ok {
		c.mu.Unlock()
		var zero T
		return zero, false
	}
	next, apply := fn(old)
	if !apply || c.equal(old, next) {
		c.mu.Unlock()
		return old, true
	}
	c.entities[id] = next
	c.publish([]Change[K, T]{{Kind: Upserted, ID: id, Value: next}})
	return next, true
}

// publish must be called with mu held; it releases mu.
func (c *Cache[K, T]) publish(changes []Change[K, T]) {
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, ch := range changes {
		for _, fn := range c.observers {
			fn(ch)
		}
	}
}

func (c *Cache[K, T]) indexOf(id K) int {
	for i, k := range c.order {
		if k == id {
			return i
		}
	}
	return -1
}
