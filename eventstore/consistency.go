package eventstore

import "context"

// ConsistencyLevel tells a backend with a read replica where a read may go.
// Backends without a replica read from their only database at either level.
type ConsistencyLevel int

const (
	// StrongConsistency reads from the primary and sees every committed write.
	// It is the default, so an aggregate rebuilt right after an append sees its own events.
	StrongConsistency ConsistencyLevel = iota

	// EventualConsistency allows reads from a replica, which may lag behind the primary.
	// Appends always check the stream head on the primary, whatever level the caller asked for.
	EventualConsistency
)

type consistencyKey struct{}

// WithStrongConsistency returns a context whose reads go to the primary.
//
// Command handlers that load an aggregate, decide and append use it to see the latest
// revision of the stream. Since StrongConsistency is the default, it is mostly needed to
// undo an EventualConsistency mark set further up the call chain.
//
// Example usage:
//
//	ctx = eventstore.WithStrongConsistency(ctx)
//	history, err := es.GetFromSnapshot(ctx, "Order", orderID)
func WithStrongConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistencyKey{}, StrongConsistency)
}

// WithEventualConsistency returns a context whose reads may go to a replica.
//
// Read models and projections that tolerate slightly stale data use it to move
// their load off the primary. Appends ignore the mark.
//
// Example usage:
//
//	ctx = eventstore.WithEventualConsistency(ctx)
//	events, err := es.GetEventsSince(ctx, since, 0, 500)
func WithEventualConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistencyKey{}, EventualConsistency)
}

// ConsistencyLevelFrom returns the level ctx was marked with.
// An unmarked context yields StrongConsistency.
func ConsistencyLevelFrom(ctx context.Context) ConsistencyLevel {
	if level, ok := ctx.Value(consistencyKey{}).(ConsistencyLevel); ok {
		return level
	}

	return StrongConsistency
}

// String returns the level as it appears in log attributes.
func (c ConsistencyLevel) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case EventualConsistency:
		return "eventual"
	default:
		return "unknown"
	}
}
