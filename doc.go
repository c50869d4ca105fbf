// Package feedkv provides an embedded, replicated key–append-log database
// for peer-to-peer applications.
//
// # Overview
//
// Each key owns an independent append-only sequence of values. Nodes
// converge on a shared view without central coordination: every key's log,
// plus one index log listing the keys, lives in an eventually consistent
// log engine, and a connection manager keeps the nodes serving one
// database name mutually reachable. feedkv is the synchronization layer in
// between; the log engine, the content-addressed block store and the peer
// transport are injected dependencies (see Deps), with in-memory
// implementations shipped in logstore and network.
//
// # Roles
//
// A node opens a database as a Collaborator or a Reader. Collaborators
// create databases, advertise themselves as providers and permanently
// replicate every discovered key's log by holding it open. Readers only
// consume an existing database and open key logs lazily on first access.
//
// # Ordering
//
// Within one node, values of a key read back in local append/merge order;
// there is no single global order across replicas, and no cross-key
// transactions.
//
// # Generics
//
// The DB type is generic over key and value types. Keys must be string or
// a type with underlying string. Values are serialized into log entries
// with a Codec; the default is GobCodec.
//
// Example
//
//	hub := logstore.NewHub()
//	fabric := network.NewFabric()
//	node := fabric.NewNode()
//	db, err := feedkv.Open[string, string](ctx, "inventory", feedkv.Deps{
//		Store:   hub.NewStore(node.Host().ID()),
//		Host:    node.Host(),
//		Routing: node.Routing(),
//		Blocks:  node.Blocks(),
//	}, feedkv.WithRole(feedkv.RoleCollaborator), feedkv.WithCodec[string](feedkv.StringCodec{}))
//	if err != nil {
//		// handle error
//	}
//	_ = db.Add(ctx, "sku-1", "received")
//	_, _ = db.Get(ctx, "sku-1")
package feedkv
