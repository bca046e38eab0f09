package source

import (
	"context"
	"testing"
	"time"

	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerLifecycle(t *testing.T) {
	running := make(chan struct{})
	ctrl := newController(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return errors.Wrap(ctx.Err(), "stream interrupted")
	})

	require.NoError(t, ctrl.Stop(), "stopping an idle controller is a no-op")

	done := make(chan error, 1)
	go func() { done <- ctrl.Start(context.Background()) }()
	<-running

	assert.Error(t, ctrl.Start(context.Background()), "a controller runs once")

	require.NoError(t, ctrl.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestControllerReturnsStreamError(t *testing.T) {
	ctrl := newController(func(ctx context.Context) error {
		return errors.New("change stream error")
	})
	assert.EqualError(t, ctrl.Start(context.Background()), "change stream error")
	assert.NoError(t, ctrl.Stop())
}

func TestControllerStopsWithParentContext(t *testing.T) {
	ctrl := newController(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, ctrl.Start(ctx))
}

func TestMongoDBSourceRequiresConnection(t *testing.T) {
	src := NewMongoDBSource("mongodb://localhost:27017", "db", "coll", nil)

	_, err := src.ProcessChangeStream(func(context.Context, []pipeline.ChangeEvent) {}, pipeline.StreamOptions{})
	assert.Error(t, err)

	_, err = src.RunInitialScan(func(context.Context, []pipeline.ScanRecord) {}, pipeline.ScanOptions{})
	assert.Error(t, err)

	assert.Nil(t, src.Client())
	assert.NoError(t, src.Close())
}

var _ pipeline.Streamer = (*MongoDBSource)(nil)
