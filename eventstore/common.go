package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLaunched is returned by every storage operation of an EventStore that was not launched (or was closed).
	ErrNotLaunched = errors.New("event store not launched")

	// ErrSchemaBootstrapFailed is returned when the backend could not verify or create its tables/collections.
	ErrSchemaBootstrapFailed = errors.New("schema bootstrap failed")

	// ErrConcurrencyConflict is returned when an append did not match the expected stream revision.
	ErrConcurrencyConflict = errors.New("concurrency error, stream revision does not match the expected one")

	ErrNilDatabaseConnection = errors.New("database connection must not be nil")
	ErrNilBackend            = errors.New("backend must not be nil")
	ErrEmptyTableName        = errors.New("table or collection name must not be empty")
	ErrUnsupportedDialect    = errors.New("unsupported dialect")

	ErrQueryingEventsFailed       = errors.New("querying events failed")
	ErrAppendingEventFailed       = errors.New("appending the event failed")
	ErrScanningDBRowFailed        = errors.New("scanning the database row failed")
	ErrBuildingQueryFailed        = errors.New("building the query failed")
	ErrDecodingStoredEventFailed  = errors.New("decoding the stored event failed")
	ErrGettingRowsAffectedFailed  = errors.New("getting rows affected failed")
	ErrConnectingToBackendFailed  = errors.New("connecting to the backend failed")
	ErrDisconnectingBackendFailed = errors.New("disconnecting the backend failed")
)

// OperationError carries the correlation context of a failed EventStore operation.
// errors.Is and errors.As reach the wrapped sentinel and driver error unchanged.
type OperationError struct {
	Op       string
	StreamID string
	EventID  string
	Err      error
}

func (e *OperationError) Error() string {
	msg := "eventstore " + e.Op
	if e.StreamID != "" {
		msg += fmt.Sprintf(" stream=%q", e.StreamID)
	}

	if e.EventID != "" {
		msg += fmt.Sprintf(" event=%q", e.EventID)
	}

	return msg + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func wrapOperationError(op, streamID, eventID string, err error) error {
	if err == nil {
		return nil
	}

	return &OperationError{Op: op, StreamID: streamID, EventID: eventID, Err: err}
}
