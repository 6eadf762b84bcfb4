package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/dorisoy/signalr-backplane/ports/stream"
)

type StreamConfig struct {
	Connect       Connector
	Log           *slog.Logger
	SubjectPrefix string // SubjectPrefix for channel subjects, e.g. "bp" -> bp.ch.<channel>
}

// StreamProvider implements ports/stream over NATS core pub/sub. Channel
// names map 1:1 onto subjects under the configured prefix; NATS preserves
// per-subject publish order for a single publisher, which is all the
// delivery channels need.
type StreamProvider struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

func NewStreamProvider(cfg StreamConfig) (*StreamProvider, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &StreamProvider{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("stream", "nats")),
		prefix:  cfg.SubjectPrefix,
		subs:    make(map[*natsgo.Subscription]struct{}),
	}, nil
}

func (p *StreamProvider) subject(channel string) string {
	prefix := p.prefix
	if prefix == "" {
		prefix = "bp"
	}
	return prefix + ".ch." + channel
}

func (p *StreamProvider) Publish(_ context.Context, channel string, data []byte) error {
	if p.closed.Load() {
		return stream.ErrClosed
	}
	if err := p.nc.Publish(p.subject(channel), data); err != nil {
		return fmt.Errorf("nats: publish channel %s: %w", channel, err)
	}
	return nil
}

func (p *StreamProvider) Subscribe(ctx context.Context, channel string, h stream.Handler) (stream.Subscription, error) {
	if p.closed.Load() {
		return nil, stream.ErrClosed
	}

	sub, err := p.nc.Subscribe(p.subject(channel), func(msg *natsgo.Msg) {
		h(ctx, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe channel %s: %w", channel, err)
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	s := &streamSubscription{sub: sub, p: p}
	context.AfterFunc(ctx, func() {
		_ = s.Unsubscribe()
	})

	return s, nil
}

func (p *StreamProvider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	for s := range p.subs {
		_ = s.Unsubscribe()
	}
	p.subs = map[*natsgo.Subscription]struct{}{}
	p.mu.Unlock()
	_ = p.nc.Drain()
	p.closeNc()
	return nil
}

type streamSubscription struct {
	sub  *natsgo.Subscription
	p    *StreamProvider
	once sync.Once
}

func (s *streamSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		s.p.mu.Lock()
		delete(s.p.subs, s.sub)
		s.p.mu.Unlock()
	})
	return err
}

var _ stream.Provider = (*StreamProvider)(nil)
