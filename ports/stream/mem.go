package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dorisoy/signalr-backplane/core/perkey"
)

// MemProvider is an in-process Provider. Delivery per channel is serialized
// through a per-key scheduler, so subscribers observe publish order.
type MemProvider struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Handler // channel -> subID -> handler
	sched  *perkey.Scheduler[string]
	closed bool
	seq    uint64
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		subs:  make(map[string]map[string]Handler),
		sched: perkey.New[string](),
	}
}

func (m *MemProvider) Publish(ctx context.Context, channel string, data []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	// copy so a caller reusing the buffer cannot corrupt in-flight deliveries
	msg := make([]byte, len(data))
	copy(msg, data)

	return m.sched.Submit(channel, func() error {
		for _, h := range handlers {
			h(ctx, msg)
		}
		return nil
	})
}

func (m *MemProvider) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[string]Handler)
	}

	subID := fmt.Sprintf("sub.%d", atomic.AddUint64(&m.seq, 1))
	m.subs[channel][subID] = h

	s := &memSubscription{m: m, channel: channel, subID: subID}
	context.AfterFunc(ctx, func() {
		_ = s.Unsubscribe()
	})

	return s, nil
}

func (m *MemProvider) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for ch := range m.subs {
		delete(m.subs, ch)
	}
	m.mu.Unlock()

	m.sched.Close()
	return nil
}

type memSubscription struct {
	m       *MemProvider
	channel string
	subID   string
	once    sync.Once
}

func (s *memSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		if subs := s.m.subs[s.channel]; subs != nil {
			delete(subs, s.subID)
			if len(subs) == 0 {
				delete(s.m.subs, s.channel)
			}
		}
	})
	return nil
}

var _ Provider = (*MemProvider)(nil)
