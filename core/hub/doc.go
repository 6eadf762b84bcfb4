// Package hub implements the distributed state of the push-messaging
// backplane as keyed actors: per-hub connection and group directories,
// per-user and per-group fan-out actors, and per-correlation-ID invocation
// actors.
//
// Every actor is addressed by a key (see [ConnectionDirectoryKey],
// [UserKey], [GroupKey], [InvocationKey]) and hosted by a
// cluster.ActivationHost on whichever node owns the key's shard. Actors
// never touch each other's state; everything crossing actor boundaries
// travels as messages.
//
// Delivery to a connection is always a publish on that connection's
// private stream channel ([ConnectionChannel]); whichever server hosts the
// socket holds the subscription and writes to it. Invocation results come
// back the same way on a per-correlation-ID channel
// ([CompletionChannel]).
package hub
