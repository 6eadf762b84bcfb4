package hub

import (
	"fmt"
	"strings"
)

// Kind identifies which actor flavor a key addresses.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionDirectory
	KindGroupDirectory
	KindUser
	KindGroup
	KindInvocation
)

func (k Kind) String() string {
	switch k {
	case KindConnectionDirectory:
		return "connections"
	case KindGroupDirectory:
		return "groups"
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindInvocation:
		return "inv"
	default:
		return "unknown"
	}
}

// Actor keys. The hub name is the namespace: two hubs never share an
// actor. Hub names must not contain '/'.

func ConnectionDirectoryKey(hub string) string { return hub + "/connections" }
func GroupDirectoryKey(hub string) string      { return hub + "/groups" }
func UserKey(hub, userID string) string        { return hub + "/user/" + userID }
func GroupKey(hub, group string) string        { return hub + "/group/" + group }
func InvocationKey(hub, invocationID string) string {
	return hub + "/inv/" + invocationID
}

// ParseKey splits an actor key back into its kind, hub name and id. The
// id is empty for the singleton directory actors.
func ParseKey(key string) (kind Kind, hub, id string, err error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		return KindUnknown, "", "", fmt.Errorf("malformed actor key: %q", key)
	}
	hub = parts[0]
	switch parts[1] {
	case "connections":
		if len(parts) == 2 {
			return KindConnectionDirectory, hub, "", nil
		}
	case "groups":
		if len(parts) == 2 {
			return KindGroupDirectory, hub, "", nil
		}
	case "user":
		if len(parts) == 3 && parts[2] != "" {
			return KindUser, hub, parts[2], nil
		}
	case "group":
		if len(parts) == 3 && parts[2] != "" {
			return KindGroup, hub, parts[2], nil
		}
	case "inv":
		if len(parts) == 3 && parts[2] != "" {
			return KindInvocation, hub, parts[2], nil
		}
	}
	return KindUnknown, "", "", fmt.Errorf("malformed actor key: %q", key)
}

// Stream channels. Channel names use '.' separators so they map 1:1 onto
// NATS subjects.

// ConnectionChannel is the private delivery channel of a single client
// connection. The hosting server subscribes to it for the lifetime of the
// socket; any node can address a connection knowing only its ID.
func ConnectionChannel(hub, connectionID string) string {
	return hub + ".conn." + connectionID
}

// CompletionChannel is where the result of one client invocation is
// published. The invoking server subscribes before the call goes out and
// drops the subscription when the wait ends.
func CompletionChannel(hub, invocationID string) string {
	return hub + ".completion." + invocationID
}
