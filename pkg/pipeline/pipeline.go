package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Sync replicates a source collection into a destination. It supplies the
// batch handlers a Streamer runs and publishes the outcome of every batch
// through its emitter.
type Sync struct {
	name        string
	streamer    Streamer
	applier     *Applier
	mapper      Mapper
	emitter     *Emitter
	ownsEmitter bool
	logger      *zap.Logger
	startTime   time.Time

	mu            sync.RWMutex // protects the fields below
	lastBatchTime time.Time
	running       map[Origin]bool
}

// Option configures a Sync
type Option func(*Sync)

// WithName sets the name used in logs and health status
func WithName(name string) Option {
	return func(s *Sync) { s.name = name }
}

// WithMapper sets the document transform. The default is the identity.
func WithMapper(mapper Mapper) Option {
	return func(s *Sync) { s.mapper = mapper }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sync) { s.logger = logger }
}

// WithEmitter shares an existing emitter instead of creating one. A shared
// emitter is not closed by Sync.Close.
func WithEmitter(emitter *Emitter) Option {
	return func(s *Sync) { s.emitter = emitter }
}

// InitSync creates a sync writing to destination, driven by streamer
func InitSync(streamer Streamer, destination Destination, opts ...Option) *Sync {
	s := &Sync{
		name:      "mongo-sync",
		streamer:  streamer,
		mapper:    identity,
		startTime: time.Now(),
		running:   make(map[Origin]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.mapper == nil {
		s.mapper = identity
	}
	if s.emitter == nil {
		s.emitter = NewEmitter(s.logger)
		s.ownsEmitter = true
	}
	s.applier = NewApplier(destination, s.logger)
	return s
}

// Name returns the sync name
func (s *Sync) Name() string {
	return s.name
}

// Streamer returns the underlying streamer
func (s *Sync) Streamer() Streamer {
	return s.streamer
}

// Emitter returns the emitter outcome events are published on
func (s *Sync) Emitter() *Emitter {
	return s.emitter
}

// Subscribe registers handler for events of the given kind
func (s *Sync) Subscribe(kind Kind, handler Handler) func() {
	return s.emitter.Subscribe(kind, handler)
}

// Close releases the emitter if the sync created it
func (s *Sync) Close() {
	if s.ownsEmitter {
		s.emitter.Close()
	}
}

// ProcessChangeStream prepares the change stream. Batches default to 500
// events and are flushed after 30 seconds.
func (s *Sync) ProcessChangeStream(opts StreamOptions) (Controller, error) {
	if s.streamer == nil {
		return nil, errors.New("no streamer configured")
	}
	ctrl, err := s.streamer.ProcessChangeStream(s.HandleChangeEvents, opts.WithDefaults())
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare change stream")
	}
	return s.track(OriginChangeStream, ctrl), nil
}

// RunInitialScan prepares the initial collection scan. Batches default to
// 500 documents sorted by _id.
func (s *Sync) RunInitialScan(opts ScanOptions) (Controller, error) {
	if s.streamer == nil {
		return nil, errors.New("no streamer configured")
	}
	ctrl, err := s.streamer.RunInitialScan(s.HandleScanRecords, opts.WithDefaults())
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare initial scan")
	}
	return s.track(OriginInitialScan, ctrl), nil
}

// HandleChangeEvents applies a batch of change events as an ordered bulk write
func (s *Sync) HandleChangeEvents(ctx context.Context, events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	start := s.touch()

	operations, err := TranslateChangeEvents(events, s.mapper)
	if err != nil {
		s.emitError(OriginChangeStream, err, start)
		return
	}
	s.apply(ctx, OriginChangeStream, operations, true, start)
}

// HandleScanRecords applies a batch of scanned documents as an unordered bulk insert
func (s *Sync) HandleScanRecords(ctx context.Context, records []ScanRecord) {
	if len(records) == 0 {
		return
	}
	start := s.touch()

	operations, err := TranslateScanRecords(records, s.mapper)
	if err != nil {
		s.emitError(OriginInitialScan, err, start)
		return
	}
	s.apply(ctx, OriginInitialScan, operations, false, start)
}

func (s *Sync) apply(ctx context.Context, origin Origin, operations []WriteOperation, ordered bool, start time.Time) {
	result, err := s.applier.Apply(ctx, operations, ordered)
	if err != nil {
		s.emitError(origin, err, start)
		return
	}
	s.emitter.Emit(Event{
		Kind:     KindProcess,
		Source:   origin,
		Success:  result.Success,
		Fail:     result.Failure,
		Anomaly:  result.Anomaly,
		Duration: time.Since(start),
	})
}

func (s *Sync) emitError(origin Origin, err error, start time.Time) {
	s.emitter.Emit(Event{
		Kind:     KindError,
		Source:   origin,
		Err:      err,
		Duration: time.Since(start),
	})
}

func (s *Sync) touch() time.Time {
	now := time.Now()
	s.mu.Lock()
	s.lastBatchTime = now
	s.mu.Unlock()
	return now
}

func (s *Sync) setRunning(origin Origin, running bool) {
	s.mu.Lock()
	s.running[origin] = running
	s.mu.Unlock()
}

// HealthStatus represents the health status of the sync
type HealthStatus struct {
	Name                string `json:"name"`
	Healthy             bool   `json:"healthy"`
	ChangeStreamRunning bool   `json:"change_stream_running"`
	InitialScanRunning  bool   `json:"initial_scan_running"`
	LastBatchTime       string `json:"last_batch_time,omitempty"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

// IsHealthy returns true while a change stream or scan is running
func (s *Sync) IsHealthy() bool {
	return s.Status().Healthy
}

// Status returns the current health status of the sync
func (s *Sync) Status() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastBatchTime string
	if !s.lastBatchTime.IsZero() {
		lastBatchTime = s.lastBatchTime.Format(time.RFC3339)
	}

	changeStream := s.running[OriginChangeStream]
	initialScan := s.running[OriginInitialScan]
	return HealthStatus{
		Name:                s.name,
		Healthy:             changeStream || initialScan,
		ChangeStreamRunning: changeStream,
		InitialScanRunning:  initialScan,
		LastBatchTime:       lastBatchTime,
		UptimeSeconds:       int64(time.Since(s.startTime).Seconds()),
	}
}

// trackedController records whether the wrapped controller is running
type trackedController struct {
	Controller
	origin Origin
	sync   *Sync
}

func (s *Sync) track(origin Origin, ctrl Controller) Controller {
	return &trackedController{Controller: ctrl, origin: origin, sync: s}
}

func (c *trackedController) Start(ctx context.Context) error {
	c.sync.setRunning(c.origin, true)
	defer c.sync.setRunning(c.origin, false)

	c.sync.logger.Info("stream started",
		zap.String("pipeline", c.sync.name),
		zap.String("source", string(c.origin)))
	err := c.Controller.Start(ctx)
	c.sync.logger.Info("stream stopped",
		zap.String("pipeline", c.sync.name),
		zap.String("source", string(c.origin)),
		zap.Error(err))
	return err
}
