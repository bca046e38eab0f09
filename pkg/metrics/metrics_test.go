package metrics

import (
	"testing"
	"time"

	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test-pipeline", prometheus.NewRegistry())

	require.NotNil(t, m)
	assert.NotNil(t, m.BatchesProcessed)
	assert.NotNil(t, m.DocumentsWritten)
	assert.NotNil(t, m.BatchErrors)
	assert.NotNil(t, m.AccountingAnomalies)
	assert.NotNil(t, m.ProcessingDuration)
	assert.NotNil(t, m.PipelineStatus)
	assert.NotNil(t, m.SourceConnected)
	assert.NotNil(t, m.SinkConnected)
}

func TestNewMetricsSeparateRegistries(t *testing.T) {
	// the same pipeline name can be registered once per registry
	assert.NotPanics(t, func() {
		NewMetrics("dup", prometheus.NewRegistry())
		NewMetrics("dup", prometheus.NewRegistry())
	})

	reg := prometheus.NewRegistry()
	NewMetrics("dup", reg)
	assert.Panics(t, func() { NewMetrics("dup", reg) })
}

func TestRecordProcessEvent(t *testing.T) {
	m := NewMetrics("orders", prometheus.NewRegistry())

	m.RecordEvent(pipeline.Event{
		Kind:     pipeline.KindProcess,
		Source:   pipeline.OriginChangeStream,
		Success:  3,
		Fail:     1,
		Duration: 20 * time.Millisecond,
	})
	m.RecordEvent(pipeline.Event{
		Kind:    pipeline.KindProcess,
		Source:  pipeline.OriginChangeStream,
		Success: 2,
		Anomaly: true,
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesProcessed.WithLabelValues("orders", "changeStream")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DocumentsWritten.WithLabelValues("orders", "changeStream", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocumentsWritten.WithLabelValues("orders", "changeStream", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountingAnomalies.WithLabelValues("orders", "changeStream")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProcessingDuration))
}

func TestRecordErrorEvent(t *testing.T) {
	m := NewMetrics("orders", prometheus.NewRegistry())

	tests := []struct {
		name      string
		err       error
		errorType string
	}{
		{"mapper", &pipeline.MapperError{Index: 1, Err: errors.New("bad")}, "mapper"},
		{"write", &pipeline.WriteError{Operations: 2, Err: errors.New("down")}, "write"},
		{"wrapped write", errors.Wrap(&pipeline.WriteError{Err: errors.New("down")}, "batch"), "write"},
		{"other", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(m.BatchErrors.WithLabelValues("orders", "initialScan", tt.errorType))
			m.RecordEvent(pipeline.Event{Kind: pipeline.KindError, Source: pipeline.OriginInitialScan, Err: tt.err})
			after := testutil.ToFloat64(m.BatchErrors.WithLabelValues("orders", "initialScan", tt.errorType))
			assert.Equal(t, before+1, after)
		})
	}
	assert.Equal(t, 0, testutil.CollectAndCount(m.BatchesProcessed))
}

func TestSubscribe(t *testing.T) {
	m := NewMetrics("orders", prometheus.NewRegistry())
	emitter := pipeline.NewEmitter(nil)

	unsubscribe := m.Subscribe(emitter)
	emitter.Emit(pipeline.Event{Kind: pipeline.KindProcess, Source: pipeline.OriginInitialScan, Success: 4})
	emitter.Emit(pipeline.Event{Kind: pipeline.KindError, Source: pipeline.OriginInitialScan, Err: errors.New("boom")})
	emitter.Close()
	unsubscribe()

	assert.Equal(t, 4.0, testutil.ToFloat64(m.DocumentsWritten.WithLabelValues("orders", "initialScan", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchErrors.WithLabelValues("orders", "initialScan", "other")))
}

func TestStatusGauges(t *testing.T) {
	m := NewMetrics("orders", prometheus.NewRegistry())

	m.SetPipelineRunning(true)
	m.SetSourceConnected(true)
	m.SetSinkConnected(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineStatus))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SinkConnected))

	m.SetPipelineRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PipelineStatus))
}
