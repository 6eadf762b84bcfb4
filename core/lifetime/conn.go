package lifetime

import (
	"context"
	"errors"

	"github.com/dorisoy/signalr-backplane/core/hub"
)

var (
	// ErrConnectionNotFound reports a send or invoke addressed to a
	// connection ID nobody in the cluster currently hosts.
	ErrConnectionNotFound = errors.New("connection does not exist")

	// ErrConnectionAborted reports that the target connection disconnected
	// while an invocation was outstanding.
	ErrConnectionAborted = errors.New("connection disconnected")
)

// Connection is the manager's view of one locally attached client socket.
// The hosting hub framework implements it; the manager never sees the
// transport underneath.
type Connection interface {
	// ConnectionID is the cluster-wide unique ID of this socket.
	ConnectionID() string
	// UserIdentifier is the authenticated user, or "" for anonymous.
	UserIdentifier() string
	// Context is done when the socket aborts, for any reason.
	Context() context.Context
	// Write delivers one invocation message to the client.
	Write(ctx context.Context, msg hub.InvocationMessage) error
}
