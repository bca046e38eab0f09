package source

import (
	"context"
	"time"

	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoDBSource reads a MongoDB collection through a change stream or a
// full scan and hands batches to the sync handlers. It implements
// pipeline.Streamer.
type MongoDBSource struct {
	uri        string
	database   string
	collection string
	client     *mongo.Client
	logger     *zap.Logger
}

// NewMongoDBSource creates a new MongoDB source
func NewMongoDBSource(uri, database, collection string, logger *zap.Logger) *MongoDBSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoDBSource{
		uri:        uri,
		database:   database,
		collection: collection,
		logger:     logger.With(zap.String("component", "source")),
	}
}

// Connect establishes connection to MongoDB
func (m *MongoDBSource) Connect(ctx context.Context) error {
	m.logger.Info("connecting to MongoDB",
		zap.String("database", m.database),
		zap.String("collection", m.collection))

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(m.uri))
	if err != nil {
		return errors.Wrap(err, "failed to connect to MongoDB")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return errors.Wrap(err, "failed to ping MongoDB")
	}

	m.client = client
	m.logger.Info("connected to MongoDB")
	return nil
}

// Close closes the MongoDB connection
func (m *MongoDBSource) Close() error {
	if m.client == nil {
		return nil
	}
	m.logger.Info("closing MongoDB connection")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Client returns the connected client, nil before Connect
func (m *MongoDBSource) Client() *mongo.Client {
	return m.client
}

// Collection returns the source collection handle
func (m *MongoDBSource) Collection() (*mongo.Collection, error) {
	if m.client == nil {
		return nil, errors.New("MongoDB source is not connected")
	}
	return m.client.Database(m.database).Collection(m.collection), nil
}

// ProcessChangeStream prepares a change stream whose events are handed to
// handler in batches of opts.BatchSize, or earlier once opts.Timeout passes.
// Updates are read with the current full document.
func (m *MongoDBSource) ProcessChangeStream(handler pipeline.ChangeStreamHandler, opts pipeline.StreamOptions) (pipeline.Controller, error) {
	coll, err := m.Collection()
	if err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	return newController(func(ctx context.Context) error {
		streamOpts := options.ChangeStream().
			SetFullDocument(options.UpdateLookup).
			SetBatchSize(int32(opts.BatchSize))

		m.logger.Info("starting change stream",
			zap.Int("batch_size", opts.BatchSize),
			zap.Duration("timeout", opts.Timeout))
		stream, err := coll.Watch(ctx, mongo.Pipeline{}, streamOpts)
		if err != nil {
			return errors.Wrap(err, "failed to create change stream")
		}
		defer stream.Close(context.Background())

		events := make(chan pipeline.ChangeEvent)
		readErr := make(chan error, 1)
		go func() {
			defer close(events)
			readErr <- readChangeStream(ctx, stream, events, m.logger)
		}()

		dispatch(ctx, events, opts.BatchSize, opts.Timeout, m.logger, handler)
		return <-readErr
	}), nil
}

// readChangeStream decodes change events until the stream ends or ctx is done
func readChangeStream(ctx context.Context, stream *mongo.ChangeStream, out chan<- pipeline.ChangeEvent, logger *zap.Logger) error {
	for stream.Next(ctx) {
		var event pipeline.ChangeEvent
		if err := stream.Decode(&event); err != nil {
			logger.Warn("failed to decode change event", zap.Error(err))
			continue
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := stream.Err(); err != nil {
		return errors.Wrap(err, "change stream error")
	}
	return ctx.Err()
}

// RunInitialScan prepares a scan of the whole collection sorted by
// opts.SortField ascending, handed to handler in batches of opts.BatchSize.
// Start returns once every document has been handled.
func (m *MongoDBSource) RunInitialScan(handler pipeline.ScanHandler, opts pipeline.ScanOptions) (pipeline.Controller, error) {
	coll, err := m.Collection()
	if err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	return newController(func(ctx context.Context) error {
		findOpts := options.Find().
			SetBatchSize(int32(opts.BatchSize)).
			SetSort(bson.D{{Key: opts.SortField, Value: 1}})

		m.logger.Info("starting initial scan",
			zap.Int("batch_size", opts.BatchSize),
			zap.String("sort_field", opts.SortField))
		cursor, err := coll.Find(ctx, bson.D{}, findOpts)
		if err != nil {
			return errors.Wrap(err, "failed to query MongoDB for initial scan")
		}
		defer cursor.Close(context.Background())

		records := make(chan pipeline.ScanRecord)
		readErr := make(chan error, 1)
		go func() {
			defer close(records)
			readErr <- readCursor(ctx, cursor, records, m.logger)
		}()

		count := 0
		dispatch(ctx, records, opts.BatchSize, 0, m.logger, func(batchCtx context.Context, batch []pipeline.ScanRecord) {
			handler(batchCtx, batch)
			count += len(batch)
			m.logger.Debug("initial scan progress", zap.Int("documents", count))
		})
		if err := <-readErr; err != nil {
			return err
		}

		m.logger.Info("initial scan completed", zap.Int("documents", count))
		return nil
	}), nil
}

// readCursor decodes scanned documents until the cursor is exhausted or ctx is done
func readCursor(ctx context.Context, cursor *mongo.Cursor, out chan<- pipeline.ScanRecord, logger *zap.Logger) error {
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			logger.Warn("failed to decode document", zap.Error(err))
			continue
		}
		select {
		case out <- pipeline.ScanRecord{FullDocument: doc}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, "cursor error during initial scan")
	}
	return ctx.Err()
}
