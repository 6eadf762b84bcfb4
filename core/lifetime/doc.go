// Package lifetime implements the per-server coordinator that bridges
// locally attached client sockets to the cluster-wide hub actors.
//
// The [Manager] is the only component that ever holds a socket reference.
// It registers connect/disconnect events with the directories and fan-out
// actors, translates send operations into actor calls, and runs the
// invoke-with-result flow end to end: correlation ID, completion channel
// subscription, invocation record, delivery, and the wait.
package lifetime
