package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/dorisoy/signalr-backplane/core/cluster"
)

type TransportConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for shard subjects, e.g. "bp" -> bp.shard.<id>
}

// Transport is the cluster transport over NATS core pub/sub: one subject
// per shard, reply inboxes for request/response.
type Transport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

// responseFrame is the minimal response encoding for Request(). Must match
// the in-memory transport in core/cluster.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
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

	return &Transport{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  cfg.SubjectPrefix,
		subs:    make(map[*natsgo.Subscription]struct{}),
	}, nil
}

func (t *Transport) subjectShard(shardID uint32) string {
	p := t.prefix
	if p == "" {
		p = "bp"
	}
	return p + ".shard." + strconv.FormatUint(uint64(shardID), 10)
}

func (t *Transport) Request(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	if t.closed.Load() {
		return nil, cluster.ErrTransportClosed
	}

	inbox := natsgo.NewInbox()
	ch := make(chan *natsgo.Msg, 1)
	sub, err := t.nc.ChanSubscribe(inbox, ch)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe inbox: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
		close(ch)
	}()

	env.ReplyTo = inbox

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	if err := t.nc.Publish(t.subjectShard(uint32(env.Shard)), payload); err != nil {
		return nil, fmt.Errorf("nats: publish: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, cluster.ErrTransportClosed
		}
		var rf responseFrame
		if err := json.Unmarshal(msg.Data, &rf); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if rf.Err != "" {
			return nil, errors.New(rf.Err)
		}
		return rf.Data, nil
	}
}

// SubscribeShard subscribes to messages for a specific shard.
func (t *Transport) SubscribeShard(ctx context.Context, shardID uint32, h cluster.ServerHandlerFunc) (cluster.Subscription, error) {
	if t.closed.Load() {
		return nil, cluster.ErrTransportClosed
	}

	sub, err := t.nc.Subscribe(t.subjectShard(shardID), func(msg *natsgo.Msg) {
		var env cluster.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.log.Error("failed to decode envelope", slog.Any("error", err))
			return
		}

		data, err := h(ctx, env)
		rf := responseFrame{Data: data}
		if err != nil {
			rf.Err = err.Error()
			rf.Data = nil
		}
		b, _ := json.Marshal(rf)

		if env.ReplyTo != "" {
			if err := t.nc.Publish(env.ReplyTo, b); err != nil {
				t.log.Error("failed to publish reply", slog.Any("error", err))
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe shard: %w", err)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	s := &transportSubscription{sub: sub, t: t}
	context.AfterFunc(ctx, func() {
		_ = s.Unsubscribe()
	})

	return s, nil
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return cluster.ErrTransportClosed
	}
	t.mu.Lock()
	for s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.subs = map[*natsgo.Subscription]struct{}{}
	t.mu.Unlock()
	if t.nc != nil {
		_ = t.nc.Drain()
		t.closeNc()
	}
	return nil
}

type transportSubscription struct {
	sub  *natsgo.Subscription
	t    *Transport
	once sync.Once
}

func (s *transportSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		s.t.mu.Lock()
		delete(s.t.subs, s.sub)
		s.t.mu.Unlock()
	})
	return err
}

var _ cluster.Transport = &Transport{}
