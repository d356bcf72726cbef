package cycler

import (
	"sync"
	"time"
)

// Item pairs a key with its baseline priority for Update and New.
type Item[K comparable] struct {
	Key      K
	Priority float64
}

type entry[K comparable] struct {
	key         K
	priority    float64
	availableAt time.Time
}

// Cycler is a modified priority queue for picking what to try next.
//
// Items are never removed by Next; they cool down for the cycle length and
// then rejoin. An item's effective priority is its baseline priority
// multiplied by how long it has been available, so a low-priority item that
// has waited long enough eventually overtakes a recently tried one.
//
// Selection is a linear scan; keep the key set small. Equal aged priorities
// go to the higher baseline priority, then to the entry inserted first.
type Cycler[K comparable] struct {
	mu          sync.Mutex
	cycleLength time.Duration
	now         func() time.Time
	entries     []*entry[K]
	index       map[K]*entry[K]
}

// Option customizes a Cycler.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New returns a Cycler whose items cool down for cycleLength after Next
// returns them.
func New[K comparable](cycleLength time.Duration, items []Item[K], opts ...Option) *Cycler[K] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cycler[K]{
		cycleLength: cycleLength,
		now:         o.now,
		index:       make(map[K]*entry[K]),
	}
	if len(items) > 0 {
		c.Update(items)
	}
	return c
}

// Empty reports whether the cycler has no items.
func (c *Cycler[K]) Empty() bool {
	return c.Len() == 0
}

// Len returns the number of keys.
func (c *Cycler[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Insert adds key or updates the priority of an existing key.
func (c *Cycler[K]) Insert(key K, priority float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[key]; ok {
		e.priority = priority
		return
	}
	e := &entry[K]{key: key, priority: priority, availableAt: c.now()}
	c.entries = append(c.entries, e)
	c.index[key] = e
}

// Remove deletes key if present.
func (c *Cycler[K]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; !ok {
		return
	}
	delete(c.index, key)
	for i, e := range c.entries {
		if e.key == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
}

// Peek returns the next item without cycling it.
func (c *Cycler[K]) Peek() (K, bool) {
	return c.find(false)
}

// Next returns the next item and makes it unavailable for the cycle length.
func (c *Cycler[K]) Next() (K, bool) {
	return c.find(true)
}

// Cool makes key unavailable for the cycle length, as if Next had returned
// it now. Unknown keys are ignored.
func (c *Cycler[K]) Cool(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[key]; ok {
		e.availableAt = c.now().Add(c.cycleLength)
	}
}

func (c *Cycler[K]) find(cycle bool) (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero K
	now := c.now()
	var best *entry[K]
	var bestScore float64
	for _, e := range c.entries {
		if e.availableAt.After(now) {
			continue
		}
		score := e.priority * now.Sub(e.availableAt).Seconds()
		if best == nil || score > bestScore || (score == bestScore && e.priority > best.priority) {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return zero, false
	}
	if cycle {
		best.availableAt = now.Add(c.cycleLength)
	}
	return best.key, true
}

// Update replaces the key set with items. Keys already present keep their
// availability time so a cycle in progress is not reset; new keys are
// available immediately.
func (c *Cycler[K]) Update(items []Item[K]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entries := make([]*entry[K], 0, len(items))
	index := make(map[K]*entry[K], len(items))
	for _, it := range items {
		if e, ok := index[it.Key]; ok {
			e.priority = it.Priority
			continue
		}
		availableAt := now
		if old, ok := c.index[it.Key]; ok {
			availableAt = old.availableAt
		}
		e := &entry[K]{key: it.Key, priority: it.Priority, availableAt: availableAt}
		entries = append(entries, e)
		index[it.Key] = e
	}
	c.entries = entries
	c.index = index
}

// Keys returns the current keys in insertion order.
func (c *Cycler[K]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.key)
	}
	return out
}
