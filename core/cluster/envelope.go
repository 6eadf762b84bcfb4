package cluster

import (
	"fmt"

	"github.com/dorisoy/signalr-backplane/internal/reflector"
)

const (
	envHeaderKey = "x-bp-key"
)

type EnvelopeOption func(*Envelope)

func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

type Envelope struct {
	Shard   int               `json:"shard"`
	Type    string            `json:"type"`
	Data    []byte            `json:"data"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope: type is required")
	}
	if e.Shard < 0 {
		return fmt.Errorf("envelope: shard must be >= 0")
	}
	return nil
}

func (e Envelope) GetHeader(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}

// Key returns the actor key carried by the envelope, if any.
func (e Envelope) Key() (string, bool) {
	return e.GetHeader(envHeaderKey)
}

func getMessageType(v any) string {
	switch t := v.(type) {
	case interface{ messageType() string }:
		return t.messageType()
	case interface{ MessageType() string }:
		return t.MessageType()
	default:
		return reflector.TypeInfoOf(v).Name
	}
}
