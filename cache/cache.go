// Package cache provides namespaced ephemeral storage: every namespace
// is a keyed store with a TTL and a maximum entry count, evicting the
// oldest-inserted entry when full.
package cache

import (
	"container/list"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// Cache is one namespace. All operations are O(1); insertion order is
// tracked with a list so capacity eviction needs no access-order
// bookkeeping.
type Cache[V any] struct {
	name     string
	ttl      time.Duration
	capacity int
	clk      clock.Clock

	lock    sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest inserted
}

func New[V any](name string, ttl time.Duration, capacity int, clk clock.Clock) *Cache[V] {
	if ttl <= 0 || capacity <= 0 {
		panic("invalid cache namespace configuration: " + name)
	}
	return &Cache[V]{
		name:     name,
		ttl:      ttl,
		capacity: capacity,
		clk:      clk,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *Cache[V]) Name() string {
	return c.name
}

// Get returns the live value for key. An entry past its TTL is removed
// and reported as absent in the same call.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if c.expired(e) {
		c.remove(elem)
		return zero, false
	}
	return e.value, true
}

// Put inserts or refreshes key. A refresh moves the entry to the back
// of the insertion order. When the namespace is full, expired entries
// are dropped first, then the oldest-inserted survivor is evicted.
func (c *Cache[V]) Put(key string, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.clk.Now()
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.insertedAt = now
		c.order.MoveToBack(elem)
		return
	}

	c.pruneLocked()
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.remove(oldest)
		}
	}
	c.entries[key] = c.order.PushBack(&entry[V]{key: key, value: value, insertedAt: now})
}

// Invalidate drops key immediately regardless of age.
func (c *Cache[V]) Invalidate(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.remove(elem)
	}
}

// Prune drops every expired entry.
func (c *Cache[V]) Prune() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pruneLocked()
}

func (c *Cache[V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) pruneLocked() {
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if !c.expired(elem.Value.(*entry[V])) {
			// entries are ordered by insertion, but a refresh moves one
			// to the back, so keep scanning
			elem = next
			continue
		}
		c.remove(elem)
		elem = next
	}
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.clk.Now().Sub(e.insertedAt) >= c.ttl
}

func (c *Cache[V]) remove(elem *list.Element) {
	e := elem.Value.(*entry[V])
	c.order.Remove(elem)
	delete(c.entries, e.key)
}
