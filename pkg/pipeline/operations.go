package pipeline

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// WriteOperation is a single destination write produced from one source record.
// It is one of InsertOp, ReplaceOp or DeleteOp.
type WriteOperation interface {
	// WriteModel converts the operation into a bulk write model
	WriteModel() mongo.WriteModel
	writeOperation()
}

// InsertOp inserts a new document
type InsertOp struct {
	Document bson.D
}

// ReplaceOp replaces the document with the given _id, inserting it when Upsert is set
type ReplaceOp struct {
	ID          interface{}
	Replacement bson.D
	Upsert      bool
}

// DeleteOp deletes the document with the given _id
type DeleteOp struct {
	ID interface{}
}

func (InsertOp) writeOperation()  {}
func (ReplaceOp) writeOperation() {}
func (DeleteOp) writeOperation()  {}

// WriteModel returns an InsertOneModel
func (op InsertOp) WriteModel() mongo.WriteModel {
	return mongo.NewInsertOneModel().SetDocument(op.Document)
}

// WriteModel returns a ReplaceOneModel filtered on _id
func (op ReplaceOp) WriteModel() mongo.WriteModel {
	return mongo.NewReplaceOneModel().
		SetFilter(idFilter(op.ID)).
		SetReplacement(op.Replacement).
		SetUpsert(op.Upsert)
}

// WriteModel returns a DeleteOneModel filtered on _id
func (op DeleteOp) WriteModel() mongo.WriteModel {
	return mongo.NewDeleteOneModel().SetFilter(idFilter(op.ID))
}

func idFilter(id interface{}) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}
