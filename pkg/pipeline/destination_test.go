package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// bulkCall records one BulkWrite invocation
type bulkCall struct {
	models  []mongo.WriteModel
	ordered bool
}

// memoryDestination applies write models to an in-memory collection keyed by _id
type memoryDestination struct {
	mu    sync.Mutex
	docs  map[interface{}]bson.D
	calls []bulkCall
	// err makes every BulkWrite fail outright
	err error
	// result, when set, replaces the computed result
	result *mongo.BulkWriteResult
}

func newMemoryDestination(docs ...bson.D) *memoryDestination {
	m := &memoryDestination{docs: make(map[interface{}]bson.D)}
	for _, doc := range docs {
		m.docs[lookup(doc, "_id")] = doc
	}
	return m
}

func (m *memoryDestination) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := true
	for _, opt := range opts {
		if opt != nil && opt.Ordered != nil {
			ordered = *opt.Ordered
		}
	}
	m.calls = append(m.calls, bulkCall{models: models, ordered: ordered})

	if m.err != nil {
		return nil, m.err
	}

	result := &mongo.BulkWriteResult{UpsertedIDs: make(map[int64]interface{})}
	var writeErrors []mongo.BulkWriteError
	for i, model := range models {
		if err := m.applyModel(int64(i), model, result); err != nil {
			writeErrors = append(writeErrors, mongo.BulkWriteError{
				WriteError: mongo.WriteError{Index: i, Code: 11000, Message: err.Error()},
				Request:    model,
			})
			if ordered {
				break
			}
		}
	}

	if m.result != nil {
		result = m.result
	}
	if len(writeErrors) > 0 {
		return result, mongo.BulkWriteException{WriteErrors: writeErrors}
	}
	return result, nil
}

func (m *memoryDestination) applyModel(index int64, model mongo.WriteModel, result *mongo.BulkWriteResult) error {
	switch wm := model.(type) {
	case *mongo.InsertOneModel:
		doc := wm.Document.(bson.D)
		id := lookup(doc, "_id")
		if _, exists := m.docs[id]; exists {
			return fmt.Errorf("duplicate key: %v", id)
		}
		m.docs[id] = doc
		result.InsertedCount++
	case *mongo.ReplaceOneModel:
		id := lookup(wm.Filter.(bson.D), "_id")
		replacement := withID(wm.Replacement.(bson.D), id)
		if _, exists := m.docs[id]; exists {
			m.docs[id] = replacement
			result.MatchedCount++
			result.ModifiedCount++
		} else if wm.Upsert != nil && *wm.Upsert {
			m.docs[id] = replacement
			result.UpsertedCount++
			result.UpsertedIDs[index] = id
		}
	case *mongo.DeleteOneModel:
		id := lookup(wm.Filter.(bson.D), "_id")
		if _, exists := m.docs[id]; exists {
			delete(m.docs, id)
			result.DeletedCount++
		}
	default:
		return fmt.Errorf("unsupported model %T", model)
	}
	return nil
}

func (m *memoryDestination) get(id interface{}) (bson.D, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

func (m *memoryDestination) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func lookup(doc bson.D, key string) interface{} {
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func withID(doc bson.D, id interface{}) bson.D {
	out := bson.D{{Key: "_id", Value: id}}
	for _, e := range doc {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out
}
