package pipeline

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// identity is used when no mapper is configured
var identity = MapperFunc(func(doc bson.D) (bson.D, error) { return doc, nil })

// TranslateChangeEvents converts change events into write operations in
// the order they were received. Operation types other than insert, update,
// replace and delete produce no operation.
func TranslateChangeEvents(events []ChangeEvent, mapper Mapper) ([]WriteOperation, error) {
	if mapper == nil {
		mapper = identity
	}

	operations := make([]WriteOperation, 0, len(events))
	for i, event := range events {
		switch event.OperationType {
		case OperationInsert:
			doc, err := mapDocument(mapper, event.FullDocument, i)
			if err != nil {
				return nil, err
			}
			operations = append(operations, InsertOp{Document: doc})

		case OperationUpdate, OperationReplace:
			replacement := bson.D{}
			if event.FullDocument != nil {
				doc, err := mapDocument(mapper, event.FullDocument, i)
				if err != nil {
					return nil, err
				}
				replacement = doc
			}
			operations = append(operations, ReplaceOp{
				ID:          event.DocumentKey.ID,
				Replacement: replacement,
				Upsert:      true,
			})

		case OperationDelete:
			operations = append(operations, DeleteOp{ID: event.DocumentKey.ID})

		default:
			// drop, rename, invalidate and the like have no destination write
		}
	}
	return operations, nil
}

// TranslateScanRecords converts scanned documents into insert operations
func TranslateScanRecords(records []ScanRecord, mapper Mapper) ([]WriteOperation, error) {
	if mapper == nil {
		mapper = identity
	}

	operations := make([]WriteOperation, 0, len(records))
	for i, record := range records {
		doc, err := mapDocument(mapper, record.FullDocument, i)
		if err != nil {
			return nil, err
		}
		operations = append(operations, InsertOp{Document: doc})
	}
	return operations, nil
}

// mapDocument runs the mapper, turning both errors and panics into a MapperError
func mapDocument(mapper Mapper, doc bson.D, index int) (out bson.D, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &MapperError{Index: index, Err: errors.Errorf("panic: %v", r)}
		}
	}()

	if doc == nil {
		doc = bson.D{}
	}
	out, err = mapper.Map(doc)
	if err != nil {
		return nil, &MapperError{Index: index, Err: err}
	}
	if out == nil {
		out = bson.D{}
	}
	return out, nil
}
