package sink

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Valid table name pattern (alphanumeric, underscore, max 63 chars for PostgreSQL)
var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// duplicateKeyCode is the MongoDB error code reported for unique violations
const duplicateKeyCode = 11000

// PostgreSQLSink stores documents as JSONB rows keyed by _id. It accepts the
// same bulk write models as a MongoDB collection and implements
// pipeline.Destination.
type PostgreSQLSink struct {
	connStr string
	table   string
	db      *sql.DB
	logger  *zap.Logger
}

// NewPostgreSQLSink creates a new PostgreSQL sink
func NewPostgreSQLSink(connStr, table string, logger *zap.Logger) *PostgreSQLSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLSink{
		connStr: connStr,
		table:   table,
		logger:  logger.With(zap.String("component", "sink")),
	}
}

// Connect establishes connection to PostgreSQL and creates the table if needed
func (p *PostgreSQLSink) Connect(ctx context.Context) error {
	// Validate table name to prevent SQL injection
	if !validTableName.MatchString(p.table) {
		return errors.Errorf("invalid table name: %s (must be alphanumeric with underscores, starting with letter or underscore)", p.table)
	}

	p.logger.Info("connecting to PostgreSQL", zap.String("table", p.table))
	db, err := sql.Open("postgres", p.connStr)
	if err != nil {
		return errors.Wrap(err, "failed to connect to PostgreSQL")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to ping PostgreSQL")
	}

	if _, err := db.ExecContext(ctx, p.createTableQuery()); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to create table")
	}

	p.db = db
	p.logger.Info("connected to PostgreSQL")
	return nil
}

// BulkWrite applies the write models inside one transaction. Each model runs
// under its own savepoint so a failing model is rolled back alone; ordered
// writes stop at the first failure. Failures are reported as a
// mongo.BulkWriteException alongside the partial result.
func (p *PostgreSQLSink) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	if p.db == nil {
		return nil, errors.New("PostgreSQL sink is not connected")
	}
	if len(models) == 0 {
		return nil, errors.New("must provide at least one write model")
	}
	ordered := isOrdered(opts)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			p.logger.Warn("failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	result := &mongo.BulkWriteResult{UpsertedIDs: make(map[int64]interface{})}
	var writeErrors []mongo.BulkWriteError
	for i, model := range models {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT write_model"); err != nil {
			return nil, errors.Wrap(err, "failed to create savepoint")
		}

		if err := p.writeModel(ctx, tx, int64(i), model, result); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT write_model"); rbErr != nil {
				return nil, errors.Wrap(rbErr, "failed to roll back savepoint")
			}
			writeErrors = append(writeErrors, mongo.BulkWriteError{
				WriteError: mongo.WriteError{Index: i, Code: errorCode(err), Message: err.Error()},
				Request:    model,
			})
			if ordered {
				break
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT write_model"); err != nil {
			return nil, errors.Wrap(err, "failed to release savepoint")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	p.logger.Debug("wrote batch to PostgreSQL",
		zap.Int("models", len(models)),
		zap.Int("write_errors", len(writeErrors)))
	if len(writeErrors) > 0 {
		return result, mongo.BulkWriteException{WriteErrors: writeErrors}
	}
	return result, nil
}

// writeModel applies a single write model and updates the result counters
func (p *PostgreSQLSink) writeModel(ctx context.Context, tx *sql.Tx, index int64, model mongo.WriteModel, result *mongo.BulkWriteResult) error {
	switch m := model.(type) {
	case *mongo.InsertOneModel:
		doc, err := toDocument(m.Document)
		if err != nil {
			return err
		}
		id, ok := lookup(doc, "_id")
		if !ok {
			id = primitive.NewObjectID()
		}
		payload, err := marshalDocument(withID(doc, id))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, p.insertQuery(), documentKey(id), payload); err != nil {
			return errors.Wrap(err, "failed to insert document")
		}
		result.InsertedCount++

	case *mongo.ReplaceOneModel:
		id, err := filterID(m.Filter)
		if err != nil {
			return err
		}
		replacement, err := toDocument(m.Replacement)
		if err != nil {
			return err
		}
		payload, err := marshalDocument(withID(replacement, id))
		if err != nil {
			return err
		}

		if m.Upsert != nil && *m.Upsert {
			var inserted bool
			if err := tx.QueryRowContext(ctx, p.upsertQuery(), documentKey(id), payload).Scan(&inserted); err != nil {
				return errors.Wrap(err, "failed to upsert document")
			}
			if inserted {
				result.UpsertedCount++
				result.UpsertedIDs[index] = id
			} else {
				result.MatchedCount++
				result.ModifiedCount++
			}
			return nil
		}

		res, err := tx.ExecContext(ctx, p.updateQuery(), documentKey(id), payload)
		if err != nil {
			return errors.Wrap(err, "failed to replace document")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		result.MatchedCount += n
		result.ModifiedCount += n

	case *mongo.DeleteOneModel:
		id, err := filterID(m.Filter)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, p.deleteQuery(), documentKey(id))
		if err != nil {
			return errors.Wrap(err, "failed to delete document")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		result.DeletedCount += n

	default:
		return errors.Errorf("unsupported write model %T", model)
	}
	return nil
}

// IsEmpty reports whether the target table holds no rows
func (p *PostgreSQLSink) IsEmpty(ctx context.Context) (bool, error) {
	if p.db == nil {
		return false, errors.New("PostgreSQL sink is not connected")
	}
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", pq.QuoteIdentifier(p.table))
	if err := p.db.QueryRowContext(ctx, query).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "failed to check if table is empty")
	}
	return !exists, nil
}

// Close closes the PostgreSQL connection
func (p *PostgreSQLSink) Close() error {
	if p.db != nil {
		p.logger.Info("closing PostgreSQL connection")
		return p.db.Close()
	}
	return nil
}

func (p *PostgreSQLSink) createTableQuery() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (_id TEXT PRIMARY KEY, doc JSONB NOT NULL)", pq.QuoteIdentifier(p.table))
}

func (p *PostgreSQLSink) insertQuery() string {
	return fmt.Sprintf("INSERT INTO %s (_id, doc) VALUES ($1, $2)", pq.QuoteIdentifier(p.table))
}

// upsertQuery reports whether the row was inserted rather than updated
func (p *PostgreSQLSink) upsertQuery() string {
	return fmt.Sprintf(
		"INSERT INTO %s (_id, doc) VALUES ($1, $2) ON CONFLICT (_id) DO UPDATE SET doc = EXCLUDED.doc RETURNING (xmax = 0) AS inserted",
		pq.QuoteIdentifier(p.table),
	)
}

func (p *PostgreSQLSink) updateQuery() string {
	return fmt.Sprintf("UPDATE %s SET doc = $2 WHERE _id = $1", pq.QuoteIdentifier(p.table))
}

func (p *PostgreSQLSink) deleteQuery() string {
	return fmt.Sprintf("DELETE FROM %s WHERE _id = $1", pq.QuoteIdentifier(p.table))
}

func isOrdered(opts []*options.BulkWriteOptions) bool {
	ordered := true
	for _, opt := range opts {
		if opt != nil && opt.Ordered != nil {
			ordered = *opt.Ordered
		}
	}
	return ordered
}

// errorCode maps unique violations to the MongoDB duplicate key code
func errorCode(err error) int {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return duplicateKeyCode
	}
	return 0
}

// documentKey renders an _id as the primary key column value. The key is
// prefixed with the value's kind so that ids of different BSON types never
// collide, while numerically equal int32, int64 and double ids share a key.
func documentKey(id interface{}) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return "o:" + v.Hex()
	case string:
		return "s:" + v
	case bool:
		return "b:" + strconv.FormatBool(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return "n:" + strconv.FormatInt(cast.ToInt64(v), 10)
	case float32:
		return numberKey(float64(v))
	case float64:
		return numberKey(v)
	}
	if b, err := bson.MarshalExtJSON(bson.D{{Key: "_id", Value: id}}, true, false); err == nil {
		return "x:" + string(b)
	}
	return fmt.Sprintf("x:%v", id)
}

func numberKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return "n:" + strconv.FormatInt(int64(f), 10)
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
}

// marshalDocument renders a document as relaxed extended JSON
func marshalDocument(doc bson.D) (string, error) {
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal document")
	}
	return string(b), nil
}

// toDocument converts any bson-marshalable value into an ordered document
func toDocument(v interface{}) (bson.D, error) {
	if doc, ok := v.(bson.D); ok {
		return doc, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal document")
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal document")
	}
	return doc, nil
}

func filterID(filter interface{}) (interface{}, error) {
	doc, err := toDocument(filter)
	if err != nil {
		return nil, err
	}
	id, ok := lookup(doc, "_id")
	if !ok {
		return nil, errors.New("filter must target _id")
	}
	return id, nil
}

func lookup(doc bson.D, key string) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// withID returns doc with _id set to id as its first field
func withID(doc bson.D, id interface{}) bson.D {
	out := make(bson.D, 0, len(doc)+1)
	out = append(out, bson.E{Key: "_id", Value: id})
	for _, e := range doc {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out
}
