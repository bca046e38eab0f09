package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/IEatCodeDaily/mongo-sync/pkg/config"
	"github.com/IEatCodeDaily/mongo-sync/pkg/sink"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type fakeDestination struct {
	empty bool
	err   error
}

func (f *fakeDestination) BulkWrite(context.Context, []mongo.WriteModel, ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	return &mongo.BulkWriteResult{}, nil
}
func (f *fakeDestination) Connect(context.Context) error { return nil }
func (f *fakeDestination) IsEmpty(context.Context) (bool, error) { return f.empty, f.err }
func (f *fakeDestination) Close() error { return nil }

func TestShouldScan(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	tests := []struct {
		name string
		cfg  config.SyncConfig
		dst  *fakeDestination
		want bool
		err  bool
	}{
		{"disabled", config.SyncConfig{}, &fakeDestination{empty: true}, false, false},
		{"empty destination", config.SyncConfig{InitialScan: true}, &fakeDestination{empty: true}, true, false},
		{"destination has data", config.SyncConfig{InitialScan: true}, &fakeDestination{}, false, false},
		{"forced", config.SyncConfig{InitialScan: true, ForceInitialScan: true}, &fakeDestination{}, true, false},
		{"probe fails", config.SyncConfig{InitialScan: true}, &fakeDestination{err: errors.New("down")}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shouldScan(ctx, tt.cfg, tt.dst, logger)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewDestination(t *testing.T) {
	pg := newDestination(config.SinkConfig{
		Type:     config.TypePostgreSQL,
		Settings: config.Settings{"connection_string": "host=localhost", "table": "orders"},
	}, zap.NewNop())
	assert.IsType(t, &sink.PostgreSQLSink{}, pg)

	mongoSink := newDestination(config.SinkConfig{
		Type:     config.TypeMongoDB,
		Settings: config.Settings{"uri": "mongodb://localhost", "database": "db", "collection": "orders"},
	}, zap.NewNop())
	assert.IsType(t, &sink.MongoDBSink{}, mongoSink)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
pipeline:
  name: orders-sync
source:
  settings:
    uri: mongodb://localhost:27017
    database: shop
    collection: orders
sink:
  type: postgresql
  settings:
    connection_string: host=localhost
    table: orders
`), 0o600))
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("sink:\n  type: clickhouse\n"), 0o600))

	var out bytes.Buffer
	root := rootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--config", valid})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "orders-sync is valid")

	root = rootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"validate", "--config", invalid})
	assert.Error(t, root.Execute())
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
