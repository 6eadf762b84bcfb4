// Package nats backs the backplane's ports with NATS: core pub/sub for
// the cluster transport and the per-connection delivery channels, and
// JetStream KV for actor state persistence.
package nats
