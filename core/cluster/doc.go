// Package cluster routes messages to keyed actor activations distributed
// across the server processes of the backplane.
//
// # Architecture
//
//   - [Client]: routes requests to shards via key or shard ID
//   - [Node]: subscribes to the shards it owns and handles incoming envelopes
//   - [ActivationHost]: resolves the key header to a resident actor
//     activation, creating it on first use and deactivating it when idle
//   - [Transport]: abstracts the messaging substrate (NATS, in-memory)
//
// # Placement
//
// Keys map to shards with BLAKE2b ([ShardFromString]); shards map to nodes
// with Highest Random Weight hashing ([ShardsForNode]). Given the same node
// list, placement is deterministic, so every process resolves the same
// owner for a key without a directory service. Each key is therefore routed
// to exactly one logical owner at a time, which gives the per-key actors
// their single-writer semantics cluster-wide.
//
// # Usage
//
//	client, _ := cluster.NewClient(cluster.ClientOptions{Transport: tr, NumShards: 64})
//	res, err := client.Key("myhub/user/alice").Request(ctx, SendToUser{...})
//
//	host := cluster.NewActivationHost(cluster.ActivationHostOpts{Create: factory, IdleTTL: time.Hour})
//	node := cluster.NewNode(cluster.NodeOptions{Transport: tr, Shards: shards, Handler: host.Handler()})
//	node.Run(ctx)
package cluster
