package pipeline

import (
	"fmt"
)

// MapperError is returned when the mapper fails for a record of a batch.
// The whole batch is abandoned before anything is written.
type MapperError struct {
	// Index is the position of the failing record within its batch
	Index int
	Err   error
}

func (e *MapperError) Error() string {
	return fmt.Sprintf("mapper failed for record %d: %v", e.Index, e.Err)
}

func (e *MapperError) Unwrap() error { return e.Err }
func (e *MapperError) Cause() error  { return e.Err }

// WriteError is returned when the destination rejects a bulk write and
// reports no partial result.
type WriteError struct {
	Operations int
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("bulk write of %d operations failed: %v", e.Operations, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
func (e *WriteError) Cause() error  { return e.Err }
