package eventcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/PratikDhanave/agent-gateway/internal/clock"
)

// DefaultTTL is how long an event identity suppresses redeliveries.
const DefaultTTL = 300 * time.Second

type entry struct {
	id      string
	addedAt time.Time
}

// Cache is a TTL-bounded set of event identities ordered by first insertion.
// Entries older than the TTL are absent for every read, swept or not.
// All methods are safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock clock.Clock
	order *list.List // oldest at Front
	index map[string]*list.Element
}

// New creates a Cache. A non-positive ttl means DefaultTTL; a nil clock the real one.
func New(ttl time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		ttl:   ttl,
		clock: clk,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Has sweeps expired entries, then reports membership.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.sweepLocked(now)
	_, ok := c.liveLocked(id, now)
	return ok
}

// Add records id at the current time. Adding an id that is already present
// keeps its original timestamp, so repeated retries age from first sight.
func (c *Cache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, ok := c.liveLocked(id, now); ok {
		return
	}
	c.insertLocked(id, now)
}

// Age reports how long ago id was first added, or false if it is absent or expired.
func (c *Cache) Age(id string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, ok := c.liveLocked(id, now)
	if !ok {
		return 0, false
	}
	return now.Sub(e.addedAt), true
}

// AddIfAbsent is the dedup gate: under one lock it sweeps, checks membership
// and inserts. It returns added=false with the age of the earlier sighting
// when id is already present.
func (c *Cache) AddIfAbsent(id string) (age time.Duration, added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.sweepLocked(now)
	if e, ok := c.liveLocked(id, now); ok {
		return now.Sub(e.addedAt), false
	}
	c.insertLocked(id, now)
	return 0, true
}

// Len returns the number of physically stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// liveLocked returns the entry for id if present and not expired.
// An expired entry is removed on the spot. Caller must hold c.mu.
func (c *Cache) liveLocked(id string, now time.Time) (*entry, bool) {
	el, ok := c.index[id]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if now.Sub(e.addedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.index, id)
		return nil, false
	}
	return e, true
}

func (c *Cache) insertLocked(id string, now time.Time) {
	c.index[id] = c.order.PushBack(&entry{id: id, addedAt: now})
}

// sweepLocked drops expired entries from the front. Insertion order equals
// timestamp order, so the first live entry ends the scan. Caller must hold c.mu.
func (c *Cache) sweepLocked(now time.Time) {
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.addedAt) <= c.ttl {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.index, e.id)
		el = next
	}
}
