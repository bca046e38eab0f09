package pipeline

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// DefaultBatchSize is the number of records handed to a handler at once
	DefaultBatchSize = 500
	// DefaultTimeout is the longest a partial change stream batch waits before flushing
	DefaultTimeout = 30 * time.Second
	// DefaultSortField orders the initial scan
	DefaultSortField = "_id"
)

// OperationType is the kind of change reported by a change stream
type OperationType string

const (
	OperationInsert  OperationType = "insert"
	OperationUpdate  OperationType = "update"
	OperationReplace OperationType = "replace"
	OperationDelete  OperationType = "delete"
)

// Origin identifies the pipeline that produced a batch or an event
type Origin string

const (
	OriginChangeStream Origin = "changeStream"
	OriginInitialScan  Origin = "initialScan"
)

// DocumentKey holds the key of the document a change event refers to
type DocumentKey struct {
	ID interface{} `bson:"_id"`
}

// ChangeEvent represents a single change stream notification.
// FullDocument is nil for deletes, and for updates or replaces whose
// document was removed before the lookup happened.
type ChangeEvent struct {
	OperationType OperationType `bson:"operationType"`
	DocumentKey   DocumentKey   `bson:"documentKey"`
	FullDocument  bson.D        `bson:"fullDocument,omitempty"`
}

// ScanRecord represents a document read by the initial collection scan
type ScanRecord struct {
	FullDocument bson.D `bson:"fullDocument"`
}

// Mapper transforms a document before it reaches the destination.
// Implementations must be deterministic: a retried batch is mapped again.
type Mapper interface {
	Map(doc bson.D) (bson.D, error)
}

// MapperFunc adapts a plain function to the Mapper interface
type MapperFunc func(doc bson.D) (bson.D, error)

// Map calls f(doc)
func (f MapperFunc) Map(doc bson.D) (bson.D, error) {
	return f(doc)
}

// Destination is the collection batches are written to. *mongo.Collection
// satisfies it.
type Destination interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// ChangeStreamHandler processes one batch of change events
type ChangeStreamHandler func(ctx context.Context, events []ChangeEvent)

// ScanHandler processes one batch of scanned documents
type ScanHandler func(ctx context.Context, records []ScanRecord)

// Controller drives a running change stream or scan
type Controller interface {
	// Start runs until the stream ends, Stop is called or ctx is done
	Start(ctx context.Context) error
	// Stop ends a running stream and waits for it to return. A batch already
	// handed to the handler runs to completion; records not yet batched are dropped.
	Stop() error
}

// Streamer reads the source collection and hands batches to the handlers
type Streamer interface {
	ProcessChangeStream(handler ChangeStreamHandler, opts StreamOptions) (Controller, error)
	RunInitialScan(handler ScanHandler, opts ScanOptions) (Controller, error)
}

// StreamOptions configures change stream batching
type StreamOptions struct {
	BatchSize int
	Timeout   time.Duration
}

// WithDefaults fills unset fields with the package defaults
func (o StreamOptions) WithDefaults() StreamOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// ScanOptions configures initial scan batching
type ScanOptions struct {
	BatchSize int
	SortField string
}

// WithDefaults fills unset fields with the package defaults
func (o ScanOptions) WithDefaults() ScanOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.SortField == "" {
		o.SortField = DefaultSortField
	}
	return o
}

// BatchResult is the outcome of applying one batch
type BatchResult struct {
	Success int
	Failure int
	// Anomaly is set when the destination reported more successes than operations
	Anomaly bool
}
