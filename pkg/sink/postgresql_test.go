package sink

import (
	"context"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TestTableNameValidation tests that invalid table names are rejected
func TestTableNameValidation(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		wantError bool
	}{
		{"valid simple name", "users", false},
		{"valid name with underscore", "user_data", false},
		{"valid name with numbers", "users_v2", false},
		{"valid name starting with underscore", "_internal", false},
		{"invalid - SQL injection attempt", "users; DROP TABLE users;--", true},
		{"invalid - starting with number", "1users", true},
		{"invalid - special characters", "user$data", true},
		{"invalid - dots (schema.table)", "public.users", true},
		{"invalid - empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := NewPostgreSQLSink("dummy_connection_string", tt.tableName, nil)
			err := sink.Connect(context.Background())

			// the dummy connection string always fails, so only the reason matters
			require.Error(t, err)
			rejected := strings.HasPrefix(err.Error(), "invalid table name")
			assert.Equal(t, tt.wantError, rejected, "error: %v", err)
		})
	}
}

// TestValidTableNamePattern tests the regex pattern directly
func TestValidTableNamePattern(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		valid     bool
	}{
		{"valid simple", "users", true},
		{"valid with underscore", "user_data", true},
		{"valid with numbers", "users_v2", true},
		{"valid starting with underscore", "_internal", true},
		{"invalid SQL injection", "users; DROP TABLE users;--", false},
		{"invalid starting with number", "1users", false},
		{"invalid special chars", "user$data", false},
		{"invalid dots", "public.users", false},
		{"invalid empty", "", false},
		{"invalid spaces", "user data", false},
		{"invalid too long", strings.Repeat("a", 64), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, validTableName.MatchString(tt.tableName))
		})
	}
}

func TestQueriesQuoteTable(t *testing.T) {
	sink := NewPostgreSQLSink("", "orders", nil)

	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "orders" (_id TEXT PRIMARY KEY, doc JSONB NOT NULL)`, sink.createTableQuery())
	assert.Equal(t, `INSERT INTO "orders" (_id, doc) VALUES ($1, $2)`, sink.insertQuery())
	assert.Equal(t, `UPDATE "orders" SET doc = $2 WHERE _id = $1`, sink.updateQuery())
	assert.Equal(t, `DELETE FROM "orders" WHERE _id = $1`, sink.deleteQuery())
	assert.Contains(t, sink.upsertQuery(), `ON CONFLICT (_id) DO UPDATE SET doc = EXCLUDED.doc`)
}

func TestBulkWriteRequiresConnection(t *testing.T) {
	sink := NewPostgreSQLSink("", "orders", nil)
	_, err := sink.BulkWrite(context.Background(), []mongo.WriteModel{mongo.NewInsertOneModel().SetDocument(bson.D{})})
	assert.Error(t, err)

	_, err = sink.IsEmpty(context.Background())
	assert.Error(t, err)
	assert.NoError(t, sink.Close())
}

func TestIsOrdered(t *testing.T) {
	assert.True(t, isOrdered(nil))
	assert.True(t, isOrdered([]*options.BulkWriteOptions{nil}))
	assert.False(t, isOrdered([]*options.BulkWriteOptions{options.BulkWrite().SetOrdered(false)}))
	assert.True(t, isOrdered([]*options.BulkWriteOptions{
		options.BulkWrite().SetOrdered(false),
		options.BulkWrite().SetOrdered(true),
	}))
}

func TestDocumentKey(t *testing.T) {
	oid := primitive.NewObjectID()

	assert.Equal(t, "o:"+oid.Hex(), documentKey(oid))
	assert.Equal(t, "s:abc", documentKey("abc"))
	assert.Equal(t, "n:42", documentKey(int32(42)))
	assert.Equal(t, "n:1.5", documentKey(1.5))
	assert.Equal(t, "b:true", documentKey(true))
	assert.Equal(t, `x:{"_id":{"a":{"$numberInt":"1"}}}`, documentKey(bson.D{{Key: "a", Value: int32(1)}}))
}

func TestDocumentKeyDistinguishesTypes(t *testing.T) {
	oid := primitive.NewObjectID()

	distinct := []struct {
		name string
		a, b interface{}
	}{
		{"int and string", 1, "1"},
		{"int32 and string", int32(7), "7"},
		{"bool and string", true, "true"},
		{"objectid and hex string", oid, oid.Hex()},
		{"null and string", nil, "null"},
		{"int and bool", 1, true},
	}
	for _, tt := range distinct {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, documentKey(tt.a), documentKey(tt.b))
		})
	}

	// numerically equal ids address the same document
	assert.Equal(t, documentKey(int32(1)), documentKey(int64(1)))
	assert.Equal(t, documentKey(int64(1)), documentKey(1.0))
	assert.Equal(t, documentKey(1), documentKey(float32(1)))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, duplicateKeyCode, errorCode(errors.Wrap(&pq.Error{Code: "23505"}, "failed to insert document")))
	assert.Equal(t, 0, errorCode(&pq.Error{Code: "23502"}))
	assert.Equal(t, 0, errorCode(errors.New("boom")))
}

func TestDocumentHelpers(t *testing.T) {
	doc, err := toDocument(bson.M{"_id": 1})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(1)}}, doc)

	id, err := filterID(bson.D{{Key: "_id", Value: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "x", id)

	_, err = filterID(bson.D{{Key: "name", Value: "x"}})
	assert.Error(t, err)

	assert.Equal(t,
		bson.D{{Key: "_id", Value: 2}, {Key: "v", Value: "a"}},
		withID(bson.D{{Key: "v", Value: "a"}, {Key: "_id", Value: 1}}, 2))

	payload, err := marshalDocument(bson.D{{Key: "_id", Value: "x"}, {Key: "n", Value: int32(3)}})
	require.NoError(t, err)
	assert.Equal(t, `{"_id":"x","n":3}`, payload)
}

