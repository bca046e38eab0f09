package sink

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoDBSink writes batches into a MongoDB collection. It implements
// pipeline.Destination.
type MongoDBSink struct {
	uri        string
	database   string
	collection string
	client     *mongo.Client
	coll       *mongo.Collection
	logger     *zap.Logger
}

// NewMongoDBSink creates a new MongoDB sink
func NewMongoDBSink(uri, database, collection string, logger *zap.Logger) *MongoDBSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoDBSink{
		uri:        uri,
		database:   database,
		collection: collection,
		logger:     logger.With(zap.String("component", "sink")),
	}
}

// Connect establishes connection to MongoDB
func (m *MongoDBSink) Connect(ctx context.Context) error {
	if m.database == "" || m.collection == "" {
		return errors.New("destination database and collection are required")
	}
	m.logger.Info("connecting to destination MongoDB",
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
	m.coll = client.Database(m.database).Collection(m.collection)
	m.logger.Info("connected to destination MongoDB")
	return nil
}

// BulkWrite forwards the write models to the destination collection
func (m *MongoDBSink) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	if m.coll == nil {
		return nil, errors.New("MongoDB sink is not connected")
	}
	return m.coll.BulkWrite(ctx, models, opts...)
}

// IsEmpty reports whether the destination collection holds no documents
func (m *MongoDBSink) IsEmpty(ctx context.Context) (bool, error) {
	if m.coll == nil {
		return false, errors.New("MongoDB sink is not connected")
	}
	err := m.coll.FindOne(ctx, bson.D{}, options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check if destination collection is empty")
	}
	return false, nil
}

// Close closes the MongoDB connection
func (m *MongoDBSink) Close() error {
	if m.client == nil {
		return nil
	}
	m.logger.Info("closing destination MongoDB connection")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
