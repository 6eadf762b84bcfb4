package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	// Size caps the number of entries. <= 0 means unbounded.
	Size int
	// OnEvict is called (outside the cache lock) whenever an entry is
	// removed by capacity pressure, idle expiry, or Delete.
	OnEvict func(key string, val any)
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

type entry struct {
	key      string
	val      any
	ttl      time.Duration
	deadline time.Time // zero = no expiry
}

// LRU is a least-recently-used cache with per-entry idle TTL.
// Get refreshes both recency and the idle deadline.
type LRU struct {
	mu      sync.Mutex
	size    int
	onEvict func(key string, val any)
	now     func() time.Time

	ll    *list.List
	items map[string]*list.Element
}

func NewLRU(opts LRUOpts) *LRU {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &LRU{
		size:    opts.Size,
		onEvict: opts.OnEvict,
		now:     now,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	ele, ok := l.items[key]
	if !ok {
		l.mu.Unlock()
		return nil, false
	}
	e := ele.Value.(*entry)
	if l.lapsed(e) {
		l.removeLocked(ele)
		l.mu.Unlock()
		l.evicted(e)
		return nil, false
	}
	l.ll.MoveToFront(ele)
	if e.ttl > 0 {
		e.deadline = l.now().Add(e.ttl)
	}
	val := e.val
	l.mu.Unlock()
	return val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}

	var deadline time.Time
	if o.TTL > 0 {
		deadline = l.now().Add(o.TTL)
	}

	l.mu.Lock()
	if ele, ok := l.items[key]; ok {
		e := ele.Value.(*entry)
		e.val = val
		e.ttl = o.TTL
		e.deadline = deadline
		l.ll.MoveToFront(ele)
		l.mu.Unlock()
		return
	}

	ele := l.ll.PushFront(&entry{key: key, val: val, ttl: o.TTL, deadline: deadline})
	l.items[key] = ele

	var victim *entry
	if l.size > 0 && l.ll.Len() > l.size {
		if last := l.ll.Back(); last != nil {
			victim = last.Value.(*entry)
			l.removeLocked(last)
		}
	}
	l.mu.Unlock()

	if victim != nil {
		l.evicted(victim)
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	ele, ok := l.items[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	e := ele.Value.(*entry)
	l.removeLocked(ele)
	l.mu.Unlock()
	l.evicted(e)
}

// Len returns the current number of entries.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

// Sweep evicts all entries past their idle deadline and returns how many
// were evicted.
func (l *LRU) Sweep() int {
	l.mu.Lock()
	var victims []*entry
	for ele := l.ll.Back(); ele != nil; {
		prev := ele.Prev()
		e := ele.Value.(*entry)
		if l.lapsed(e) {
			victims = append(victims, e)
			l.removeLocked(ele)
		}
		ele = prev
	}
	l.mu.Unlock()

	for _, e := range victims {
		l.evicted(e)
	}
	return len(victims)
}

// Purge removes every entry, expired or not, invoking OnEvict for each.
// Returns how many were removed.
func (l *LRU) Purge() int {
	l.mu.Lock()
	victims := make([]*entry, 0, l.ll.Len())
	for ele := l.ll.Back(); ele != nil; {
		prev := ele.Prev()
		victims = append(victims, ele.Value.(*entry))
		l.removeLocked(ele)
		ele = prev
	}
	l.mu.Unlock()

	for _, e := range victims {
		l.evicted(e)
	}
	return len(victims)
}

func (l *LRU) lapsed(e *entry) bool {
	return !e.deadline.IsZero() && l.now().After(e.deadline)
}

func (l *LRU) removeLocked(ele *list.Element) {
	e := ele.Value.(*entry)
	l.ll.Remove(ele)
	delete(l.items, e.key)
}

func (l *LRU) evicted(e *entry) {
	if l.onEvict != nil {
		l.onEvict(e.key, e.val)
	}
}

var _ Cache = (*LRU)(nil)
