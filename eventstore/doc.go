// Package eventstore provides the persistence façade for event-sourced aggregates.
//
// Every aggregate instance owns one append-only stream, keyed by StreamID(aggregateType, instanceID).
// Events are appended with a store-assigned, gap-free revision and read back in revision order.
// Snapshots capture the state of an instance at a revision so that replay only needs the events after it.
//
// The EventStore delegates storage to exactly one Backend:
//   - sqlengine: relational databases (PostgreSQL, SQLite), flat table or JSON document layout
//   - mongoengine: MongoDB collections
//
// Key types:
//   - StorableEvent: the scalar DTO that is appended and read back
//   - Snapshot and SnapshotHistory: snapshot-accelerated replay
//   - Backend: the storage contract of the engines
//
// Common usage pattern:
//
//	backend, _ := sqlengine.NewFromSQLDB(db, sqlengine.WithDialect(sqlengine.DialectSQLite))
//	store, _ := eventstore.New(backend)
//	if err := store.Launch(ctx); err != nil {
//		// handle error
//	}
//
//	event, _ := eventstore.BuildStorableEvent(eventID, "Order", "42", "OrderCreated", 1, payload)
//	committedID, err := store.StoreEvent(ctx, event)
//
//	history, err := store.GetFromSnapshot(ctx, "Order", "42")
package eventstore
