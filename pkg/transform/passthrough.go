package transform

import (
	"go.mongodb.org/mongo-driver/bson"
)

// PassThrough is a mapper that passes documents through unchanged
type PassThrough struct{}

// NewPassThrough creates a new pass-through mapper
func NewPassThrough() *PassThrough {
	return &PassThrough{}
}

// Map returns the document unchanged
func (t *PassThrough) Map(doc bson.D) (bson.D, error) {
	return doc, nil
}
