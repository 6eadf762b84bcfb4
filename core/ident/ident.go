// Package ident generates the identifiers used across the backplane.
//
// Invocation and connection IDs follow the hub wire contract: 16 random
// bytes encoded as unpadded URL-safe base64, which always yields 22
// characters. Node IDs are short nanoids, only used for shard ownership.
package ident

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InvocationID returns a fresh correlation ID for a pending invocation.
func InvocationID() string { return newID() }

// ConnectionID returns a fresh identifier for a live connection.
func ConnectionID() string { return newID() }

// NodeID returns a short node identifier, e.g. "node-x4Fz9a".
func NodeID() string {
	return fmt.Sprintf("node-%s", gonanoid.Must(6))
}

func newID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}
