// Package state is the opaque durable store runs checkpoint into.
//
// The scheduler journals every DONE task under a run-scoped key so a
// restarted coordinator skips finished work; the reduction root records
// its final sum the same way. Three backends share the StateStore
// interface:
//
//   - MemoryStore for tests and single-process runs
//   - NATSStore over a JetStream KV bucket
//   - PostgresStore over a pgx connection pool
//
// # Usage
//
//	b, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{
//	    Conn:   b.Conn(),
//	    Bucket: "ftcoll-checkpoints",
//	})
//
//	store.Put("ftcoll.run1.task.3", []byte(`{"status":"done"}`), 0)
//	keys, _ := store.Keys("ftcoll.run1.task.*")
package state
