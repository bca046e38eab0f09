package metrics

import (
	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subscriber is implemented by pipeline.Sync and pipeline.Emitter
type Subscriber interface {
	Subscribe(kind pipeline.Kind, handler pipeline.Handler) func()
}

// Metrics holds all Prometheus metrics for a sync pipeline
type Metrics struct {
	pipeline string

	BatchesProcessed    *prometheus.CounterVec
	DocumentsWritten    *prometheus.CounterVec
	BatchErrors         *prometheus.CounterVec
	AccountingAnomalies *prometheus.CounterVec
	ProcessingDuration  *prometheus.HistogramVec
	PipelineStatus      prometheus.Gauge
	SourceConnected     prometheus.Gauge
	SinkConnected       prometheus.Gauge
}

// NewMetrics creates the pipeline metrics and registers them with reg. A nil
// registerer uses prometheus.DefaultRegisterer.
func NewMetrics(pipelineName string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"pipeline": pipelineName}

	return &Metrics{
		pipeline: pipelineName,
		BatchesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongosync_batches_processed_total",
				Help: "Total number of batches written to the destination",
			},
			[]string{"pipeline", "source"},
		),
		DocumentsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongosync_documents_written_total",
				Help: "Total number of write operations by outcome",
			},
			[]string{"pipeline", "source", "outcome"},
		),
		BatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongosync_batch_errors_total",
				Help: "Total number of batches that could not be processed",
			},
			[]string{"pipeline", "source", "error_type"},
		),
		AccountingAnomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongosync_accounting_anomalies_total",
				Help: "Batches whose reported counts exceeded the number of operations",
			},
			[]string{"pipeline", "source"},
		),
		ProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mongosync_batch_processing_duration_seconds",
				Help:    "Time taken to translate and write a batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline", "source"},
		),
		PipelineStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "mongosync_pipeline_status",
				Help:        "Pipeline status: 1 for running, 0 for stopped",
				ConstLabels: constLabels,
			},
		),
		SourceConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "mongosync_source_connected",
				Help:        "Source connection status: 1 for connected, 0 for disconnected",
				ConstLabels: constLabels,
			},
		),
		SinkConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "mongosync_sink_connected",
				Help:        "Sink connection status: 1 for connected, 0 for disconnected",
				ConstLabels: constLabels,
			},
		),
	}
}

// Subscribe records every process and error event published by s. The
// returned func detaches both handlers.
func (m *Metrics) Subscribe(s Subscriber) func() {
	offProcess := s.Subscribe(pipeline.KindProcess, m.RecordEvent)
	offError := s.Subscribe(pipeline.KindError, m.RecordEvent)
	return func() {
		offProcess()
		offError()
	}
}

// RecordEvent updates the counters for a single outcome event
func (m *Metrics) RecordEvent(event pipeline.Event) {
	source := string(event.Source)
	m.ProcessingDuration.WithLabelValues(m.pipeline, source).Observe(event.Duration.Seconds())

	switch event.Kind {
	case pipeline.KindProcess:
		m.BatchesProcessed.WithLabelValues(m.pipeline, source).Inc()
		m.DocumentsWritten.WithLabelValues(m.pipeline, source, "success").Add(float64(event.Success))
		m.DocumentsWritten.WithLabelValues(m.pipeline, source, "fail").Add(float64(event.Fail))
		if event.Anomaly {
			m.AccountingAnomalies.WithLabelValues(m.pipeline, source).Inc()
		}
	case pipeline.KindError:
		m.BatchErrors.WithLabelValues(m.pipeline, source, errorType(event.Err)).Inc()
	}
}

// errorType classifies a batch error for the error_type label
func errorType(err error) string {
	var mapperErr *pipeline.MapperError
	var writeErr *pipeline.WriteError
	switch {
	case errors.As(err, &mapperErr):
		return "mapper"
	case errors.As(err, &writeErr):
		return "write"
	default:
		return "other"
	}
}

// SetPipelineRunning sets the pipeline status to running (1) or stopped (0)
func (m *Metrics) SetPipelineRunning(running bool) {
	m.PipelineStatus.Set(boolValue(running))
}

// SetSourceConnected sets the source connection status
func (m *Metrics) SetSourceConnected(connected bool) {
	m.SourceConnected.Set(boolValue(connected))
}

// SetSinkConnected sets the sink connection status
func (m *Metrics) SetSinkConnected(connected bool) {
	m.SinkConnected.Set(boolValue(connected))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
