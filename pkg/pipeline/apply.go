package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Applier writes batches of operations to a destination with one bulk write per batch
type Applier struct {
	destination Destination
	logger      *zap.Logger
}

// NewApplier creates a new applier
func NewApplier(destination Destination, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		destination: destination,
		logger:      logger,
	}
}

// Apply issues a single bulk write for the operations. Ordered writes stop
// at the first failing operation; unordered writes attempt every operation.
//
// A bulk write exception that comes with a result is a partial failure and
// its counts are returned without an error. Any other failure is returned
// as a *WriteError.
func (a *Applier) Apply(ctx context.Context, operations []WriteOperation, ordered bool) (BatchResult, error) {
	if len(operations) == 0 {
		return BatchResult{}, nil
	}

	models := lo.Map(operations, func(op WriteOperation, _ int) mongo.WriteModel {
		return op.WriteModel()
	})

	result, err := a.destination.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(ordered))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) && result != nil {
			a.logger.Debug("bulk write partially failed",
				zap.Int("operations", len(operations)),
				zap.Int("write_errors", len(bulkErr.WriteErrors)),
				zap.Bool("ordered", ordered),
				zap.Error(err))
			return a.account(result, len(operations)), nil
		}
		return BatchResult{}, &WriteError{
			Operations: len(operations),
			Err:        errors.Wrap(err, "failed to bulk write"),
		}
	}
	if result == nil {
		return BatchResult{}, &WriteError{
			Operations: len(operations),
			Err:        errors.New("destination returned no bulk write result"),
		}
	}

	return a.account(result, len(operations)), nil
}

// account derives success and failure counts from a bulk write result.
// Deletes that match nothing and replaces that change nothing are not
// counted as successes.
func (a *Applier) account(result *mongo.BulkWriteResult, operations int) BatchResult {
	success := int(result.InsertedCount + result.ModifiedCount + result.DeletedCount + result.UpsertedCount)
	br := BatchResult{
		Success: success,
		Failure: operations - success,
	}
	if br.Failure < 0 {
		a.logger.Warn("bulk write reported more successes than operations",
			zap.Int("operations", operations),
			zap.Int("success", success),
			zap.Int64("inserted", result.InsertedCount),
			zap.Int64("modified", result.ModifiedCount),
			zap.Int64("deleted", result.DeletedCount),
			zap.Int64("upserted", result.UpsertedCount))
		br.Failure = 0
		br.Anomaly = true
	}
	return br
}
