package hub

import (
	"fmt"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/ds"
)

// Group directory messages. The directory is a pure membership index,
// group name → member connection IDs; fan-out itself lives in the
// per-group actors. Its main job beyond bookkeeping is the disconnect
// cascade: telling the coordinator which groups a dying connection must
// be scrubbed from.
type (
	JoinGroup struct {
		ConnectionID string `json:"connection_id"`
		Group        string `json:"group"`
	}

	LeaveGroup struct {
		ConnectionID string `json:"connection_id"`
		Group        string `json:"group"`
	}

	// LeaveAllGroups scrubs a connection from every group it belongs to.
	LeaveAllGroups struct {
		ConnectionID string `json:"connection_id"`
	}

	// LeftGroups lists the groups a connection was scrubbed from.
	LeftGroups struct {
		Groups []string `json:"groups,omitempty"`
	}
)

type groupDirectory struct {
	groups map[string]*ds.StringSet
}

// NewGroupDirectoryHandlers builds the handler set for a hub's group
// directory. Like the connection directory it is transient and pinned:
// membership is rebuilt by add/remove traffic, never persisted.
func NewGroupDirectoryHandlers() *actor.TypedHandlerRegistry {
	d := &groupDirectory{groups: make(map[string]*ds.StringSet)}
	return actor.TypedHandlers(
		actor.HandleMsg(d.join),
		actor.HandleMsg(d.leave),
		actor.HandleRequest(d.leaveAll),
		// transient: nothing to flush when the host shuts down
		actor.HandleMsg(func(hc actor.HandlerCtx, _ Deactivate) error { return nil }),
	)
}

func (d *groupDirectory) join(hc actor.HandlerCtx, msg JoinGroup) error {
	if msg.ConnectionID == "" || msg.Group == "" {
		return fmt.Errorf("join group: connection id and group are required")
	}
	set, ok := d.groups[msg.Group]
	if !ok {
		set = ds.NewSet[string]()
		d.groups[msg.Group] = set
	}
	set.Add(msg.ConnectionID)
	return nil
}

func (d *groupDirectory) leave(hc actor.HandlerCtx, msg LeaveGroup) error {
	set, ok := d.groups[msg.Group]
	if !ok {
		return nil
	}
	set.Remove(msg.ConnectionID)
	if set.IsEmpty() {
		delete(d.groups, msg.Group)
	}
	return nil
}

func (d *groupDirectory) leaveAll(hc actor.HandlerCtx, msg LeaveAllGroups) (*LeftGroups, error) {
	var left []string
	for name, set := range d.groups {
		if !set.Contains(msg.ConnectionID) {
			continue
		}
		set.Remove(msg.ConnectionID)
		if set.IsEmpty() {
			delete(d.groups, name)
		}
		left = append(left, name)
	}
	return &LeftGroups{Groups: left}, nil
}
