// Package observer implements an expiring subscription table used by the
// hub actors for best-effort broadcast.
//
// A subscriber is represented by a [Ref]: a serializable handle naming the
// pub/sub channel that reaches whichever server currently hosts the
// subscriber. Entries carry a last-seen timestamp and lapse when not
// refreshed within the registry's TTL.
package observer

import (
	"context"
	"sync"
	"time"
)

// Ref is a serializable observer handle. Notifying a ref means publishing
// on its channel; the hosting process is whichever one holds a live
// subscription there.
type Ref struct {
	// Channel is the pub/sub channel that reaches the subscriber.
	Channel string `json:"channel"`
	// ConnectionID is the connection the subscriber stands for, used for
	// exclusion filters on group fan-out.
	ConnectionID string `json:"connection_id,omitempty"`
}

// NotifyFunc delivers one notification to a single observer. A non-nil
// error unregisters the observer; it never fails the broadcast.
type NotifyFunc func(ctx context.Context, ref Ref) error

type entry struct {
	ref  Ref
	seen time.Time
}

// Registry is an expiring observer table: key → {ref, last-seen}.
type Registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*entry
}

type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry whose entries lapse when not refreshed
// within ttl. ttl <= 0 disables expiry.
func NewRegistry(ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers ref under key, or refreshes the liveness timestamp if
// already present (last write wins).
func (r *Registry) Subscribe(key string, ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &entry{ref: ref, seen: r.now()}
}

// Refresh updates the liveness timestamp for key, re-subscribing the ref if
// it is no longer present.
func (r *Registry) Refresh(key string, ref Ref) { r.Subscribe(key, ref) }

// Unsubscribe removes the observer registered under key.
func (r *Registry) Unsubscribe(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Get returns the ref registered under key.
func (r *Registry) Get(key string) (Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Ref{}, false
	}
	return e.ref, true
}

// Keys returns the keys of all registered observers, live or lapsed, in
// unspecified order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of registered observers, live or lapsed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Notify invokes fn concurrently for every live observer and waits for all
// deliveries. Observers whose delivery fails or whose liveness has lapsed
// are removed. A failing observer never blocks or fails delivery to the
// rest. Returns the number of successful deliveries.
func (r *Registry) Notify(ctx context.Context, fn NotifyFunc) int {
	return r.NotifyExcept(ctx, nil, fn)
}

// NotifyExcept is like Notify, skipping observers whose connection ID is in
// excluded.
func (r *Registry) NotifyExcept(ctx context.Context, excluded map[string]struct{}, fn NotifyFunc) int {
	now := r.now()

	// snapshot under lock, deliver outside it
	r.mu.Lock()
	type target struct {
		key string
		ref Ref
	}
	var lapsed []string
	targets := make([]target, 0, len(r.entries))
	for k, e := range r.entries {
		if r.expired(e, now) {
			lapsed = append(lapsed, k)
			continue
		}
		if _, skip := excluded[e.ref.ConnectionID]; skip {
			continue
		}
		targets = append(targets, target{key: k, ref: e.ref})
	}
	for _, k := range lapsed {
		delete(r.entries, k)
	}
	r.mu.Unlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
		ok     int
	)
	for _, tg := range targets {
		wg.Add(1)
		go func(tg target) {
			defer wg.Done()
			err := fn(ctx, tg.ref)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, tg.key)
				return
			}
			ok++
		}(tg)
	}
	wg.Wait()

	if len(failed) > 0 {
		r.mu.Lock()
		for _, k := range failed {
			delete(r.entries, k)
		}
		r.mu.Unlock()
	}

	return ok
}

// ClearExpired removes observers past their liveness deadline without
// notifying them.
func (r *Registry) ClearExpired() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, k)
		}
	}
}

// Clear removes all observers unconditionally.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	return r.ttl > 0 && now.Sub(e.seen) > r.ttl
}
