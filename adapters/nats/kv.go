package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/dorisoy/signalr-backplane/ports/kv"
)

type KvConfig struct {
	Connect Connector
	Bucket  string
	// MaxBytes caps the bucket size. 0 leaves the server default.
	MaxBytes int64
}

// KvStore persists actor records in a JetStream KV bucket. User IDs and
// group names embedded in actor keys are opaque strings, so each key
// segment is encoded into the KV key alphabet; the '/'-hierarchy of the
// actor key survives for bucket inspection.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: cfg.MaxBytes,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{kv: bucket, closeNc: closeNc}, nil
}

// kvKey maps an actor key onto a JetStream KV key. JetStream only accepts
// alphanumerics and a few punctuation characters, so every '/'-separated
// segment is base64url-encoded; a group named "my room" stores fine.
func kvKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = base64.RawURLEncoding.EncodeToString([]byte(s))
	}
	return strings.Join(segs, "/")
}

func (s *KvStore) Put(ctx context.Context, key string, entry kv.Entry, _ kv.PutOptions) error {
	if _, err := s.kv.Put(ctx, kvKey(key), entry.Data); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (s *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := s.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	return kv.Entry{Data: v.Value()}, nil
}

// Delete purges the key so the bucket reclaims space instead of keeping a
// delete marker around.
func (s *KvStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Purge(ctx, kvKey(key)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (s *KvStore) Close() error {
	s.closeNc()
	return nil
}

var _ kv.Store = (*KvStore)(nil)
